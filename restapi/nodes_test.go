package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/cache"
	"github.com/sharedcode/treelock/inmemory"
	"github.com/sharedcode/treelock/locking"
	"github.com/sharedcode/treelock/transaction"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	service *Service
	members []*inmemory.Member
	router  *gin.Engine
}

func newFixture(t *testing.T, cfg treelock.Config, verifier *TokenVerifier) *fixture {
	t.Helper()
	tm := inmemory.NewTransactionManager(cfg.TransactionTimeout)
	t.Cleanup(func() { tm.Close() })
	cluster := inmemory.NewCluster(cache.NewInMemoryCache(), inmemory.ClusterOptions{
		LockWaitTimeout: cfg.LockWaitTimeout,
		LockPollUnit:    2 * time.Millisecond,
	})
	members := cluster.Members(cfg.ClusterSize)
	repos, err := treelock.NewRepositorySelector(inmemory.Repositories(members))
	require.NoError(t, err)
	txns := transaction.NewCoordinator(tm)
	svc := NewService(repos, locking.NewCoordinator(txns, cfg), txns, cfg.LockTTL)
	if verifier == nil {
		verifier = &TokenVerifier{Env: EnvDev}
	}
	router, err := NewRouter(svc, verifier)
	require.NoError(t, err)
	return &fixture{service: svc, members: members, router: router}
}

func testConfig() treelock.Config {
	cfg := treelock.DefaultConfig()
	cfg.LockTTL = 5 * time.Second
	cfg.LockWaitTimeout = 3 * time.Second
	cfg.TransactionTimeout = 10 * time.Second
	cfg.ClusterSize = 2
	return cfg
}

func (f *fixture) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) list(t *testing.T, filter string) []string {
	t.Helper()
	target := "/"
	if filter != "" {
		target += "?filter=" + url.QueryEscape(filter)
	}
	w := f.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var paths []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &paths))
	return paths
}

func TestListCreatesParentNode(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	assert.Empty(t, f.list(t, ""))

	s, err := f.members[1].Login(context.Background())
	require.NoError(t, err)
	defer s.Logout(context.Background())
	n, err := s.GetNode(context.Background(), ParentNodePath)
	require.NoError(t, err)
	assert.True(t, n.HasMixin(treelock.MixinLockable))
}

func TestAddNode(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	w := f.do(t, http.MethodPut, "/add/child-1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "/parentNode/child-1", body["path"])

	w = f.do(t, http.MethodPut, "/add/child-2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, []string{"/parentNode/child-1", "/parentNode/child-2"}, f.list(t, ""))

	// Parent lock released, no residue left behind.
	s, err := f.members[0].Login(context.Background())
	require.NoError(t, err)
	defer s.Logout(context.Background())
	locked, err := s.LockManager().IsLocked(context.Background(), ParentNodePath)
	require.NoError(t, err)
	assert.False(t, locked)
	n, err := s.GetNode(context.Background(), ParentNodePath)
	require.NoError(t, err)
	assert.False(t, n.HasLockResidue())
}

func TestAddDuplicateIsConflict(t *testing.T) {
	f := newFixture(t, testConfig(), nil)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/add/child", nil).Code)
	w := f.do(t, http.MethodPut, "/add/child", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), treelock.ItemExists.String())
	assert.Len(t, f.list(t, ""), 1)
}

func TestListWithFilter(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	for _, name := range []string{"alpha", "beta", "alpine"} {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/add/"+name, nil).Code)
	}

	assert.Equal(t, []string{"/parentNode/alpha", "/parentNode/alpine"}, f.list(t, `name.startsWith("al")`))
	assert.Len(t, f.list(t, `"mix:lockable" in mixins`), 3)

	w := f.do(t, http.MethodGet, "/?filter="+url.QueryEscape("name +"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConcurrentAdds(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.list(t, "")

	const n = 10
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = f.do(t, http.MethodPut, fmt.Sprintf("/add/child-%d", i), nil).Code
		}(i)
	}
	wg.Wait()

	for i, c := range codes {
		assert.Equal(t, http.StatusOK, c, "request %d", i)
	}
	assert.Len(t, f.list(t, ""), n)
}

func TestAddOutlivingTransactionFails(t *testing.T) {
	cfg := testConfig()
	cfg.TransactionTimeout = 100 * time.Millisecond
	f := newFixture(t, cfg, nil)
	f.service.WorkDelay = 400 * time.Millisecond

	w := f.do(t, http.MethodPut, "/add/late", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), treelock.NonActiveTransaction.String())

	f.service.WorkDelay = 0
	assert.Empty(t, f.list(t, ""))
	// The parent was unlocked, the next add goes through.
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/add/next", nil).Code)
}

func TestTokenVerifier(t *testing.T) {
	verifier := &TokenVerifier{
		Env:     EnvQA,
		QAToken: "qa-secret",
		verify: func(token string) error {
			if token == "good-jwt" {
				return nil
			}
			return errors.New("token is invalid")
		},
	}
	f := newFixture(t, testConfig(), verifier)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"not a bearer token", "Basic abc", http.StatusUnauthorized},
		{"qa token", "Bearer qa-secret", http.StatusOK},
		{"verified token", "Bearer good-jwt", http.StatusOK},
		{"rejected token", "Bearer bad-jwt", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.header != "" {
				h.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, f.do(t, http.MethodGet, "/", h).Code)
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{treelock.NewError(treelock.NodeNotFound, nil, "x"), http.StatusNotFound},
		{treelock.NewError(treelock.ItemExists, nil, "x"), http.StatusConflict},
		{treelock.NewError(treelock.LockUnavailable, nil, "x"), http.StatusConflict},
		{treelock.NewError(treelock.InvalidConfiguration, nil, "x"), http.StatusBadRequest},
		{treelock.NewError(treelock.CorruptedResource, nil, "x"), http.StatusLocked},
		{treelock.NewError(treelock.TransportFailure, nil, "x"), http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
}

func TestRegistryRefusesDuplicates(t *testing.T) {
	r := NewRegistry()
	h := func(c *gin.Context) {}
	require.NoError(t, r.RegisterMethod(GET, "/", h))
	require.NoError(t, r.RegisterMethod(PUT, "/", h))
	assert.Error(t, r.RegisterMethod(GET, "/", h))
	assert.Error(t, r.RegisterMethod(POST, "/x", nil))

	methods := r.RestMethods()
	require.Len(t, methods, 2)
	assert.Equal(t, GET, methods[0].Verb)
	assert.Equal(t, PUT, methods[1].Verb)
}

func TestSwaggerDocsServedWithoutToken(t *testing.T) {
	f := newFixture(t, testConfig(), &TokenVerifier{Env: "PROD"})

	w := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code, "node routes must still require a token")

	w = f.do(t, http.MethodGet, "/swagger/doc.json", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var doc struct {
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Contains(t, doc.Paths, "/")
	assert.Contains(t, doc.Paths["/add/{nodeName}"], "put")

	w = f.do(t, http.MethodGet, "/swagger/index.html", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
