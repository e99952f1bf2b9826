// Package restapi surfaces the lock-guarded child creation over HTTP: GET lists the children of
// /parentNode and PUT /add/:nodeName adds one under a lock on the parent.
package restapi

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/sharedcode/treelock"
	"github.com/sharedcode/treelock/cel"
	"github.com/sharedcode/treelock/locking"
	"github.com/sharedcode/treelock/transaction"
)

const (
	ParentNodeName = "parentNode"
	ParentNodePath = treelock.RootPath + ParentNodeName

	sessionKey = "treelock.session"
)

// Service holds what the handlers need. Each request logs into the next cluster member.
type Service struct {
	repos   *treelock.RepositorySelector[treelock.Repository]
	locks   *locking.Coordinator
	txns    *transaction.Coordinator
	lockTTL time.Duration
	// WorkDelay is slept inside the add transaction before the child is written.
	WorkDelay time.Duration
}

// NewService wires the handlers to the cluster. lockTTL <= 0 uses the lock coordinator's default.
func NewService(repos *treelock.RepositorySelector[treelock.Repository], locks *locking.Coordinator,
	txns *transaction.Coordinator, lockTTL time.Duration) *Service {
	return &Service{
		repos:   repos,
		locks:   locks,
		txns:    txns,
		lockTTL: lockTTL,
	}
}

// Register adds the service's routes to r.
func (s *Service) Register(r *Registry) error {
	if err := r.RegisterMethod(GET, "/", s.ListChildren); err != nil {
		return err
	}
	return r.RegisterMethod(PUT, "/add/:nodeName", s.AddNode)
}

// SessionMiddleware logs into the next member, makes sure the lockable parent node exists and
// logs out once the request is served.
func (s *Service) SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		repo := s.repos.Next()
		sess, err := repo.Login(ctx)
		if err != nil {
			abortWithError(c, err)
			return
		}
		defer func() {
			if err := sess.Logout(context.WithoutCancel(ctx)); err != nil {
				log.Warn("logout failed", "member", repo.Name(), "error", err)
			}
		}()
		if err := ensureParentNode(ctx, sess); err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(sessionKey, sess)
		c.Next()
	}
}

func ensureParentNode(ctx context.Context, sess treelock.Session) error {
	exists, err := sess.NodeExists(ctx, ParentNodePath)
	if err != nil || exists {
		return err
	}
	if _, err := sess.AddNode(ctx, treelock.RootPath, ParentNodeName, treelock.MixinLockable); err != nil {
		return err
	}
	err = sess.Save(ctx)
	if treelock.CodeOf(err) == treelock.ItemExists {
		// Created by a concurrent request.
		return sess.Refresh(ctx, false)
	}
	return err
}

func sessionOf(c *gin.Context) (treelock.Session, error) {
	v, ok := c.Get(sessionKey)
	if !ok {
		return nil, treelock.NewError(treelock.InvalidState, nil, "no session bound to the request")
	}
	return v.(treelock.Session), nil
}

// ListChildren responds with the paths of the children of /parentNode. The optional filter
// query parameter is a CEL expression over path, name, props and mixins.
//
// ListChildren godoc
// @Summary ListChildren returns the paths of the children of /parentNode
// @Schemes
// @Description ListChildren responds with the child paths as JSON, optionally filtered by a CEL expression.
// @Tags Nodes
// @Produce json
// @Param			filter	query		string		false	"CEL expression over path, name, props and mixins"
// @Failure 400 {object} map[string]any
// @Success 200 {object} []string
// @Router / [get]
// @Security Bearer
func (s *Service) ListChildren(c *gin.Context) {
	sess, err := sessionOf(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	var filter *cel.NodeFilter
	if expr := c.Query("filter"); expr != "" {
		if filter, err = cel.NewNodeFilter(expr); err != nil {
			abortWithError(c, err)
			return
		}
	}

	ctx := c.Request.Context()
	parent, err := sess.GetNode(ctx, ParentNodePath)
	if err != nil {
		abortWithError(c, err)
		return
	}
	children := make([]treelock.Node, 0, len(parent.Children))
	for _, name := range parent.Children {
		n, err := sess.GetNode(ctx, treelock.JoinPath(ParentNodePath, name))
		if err != nil {
			abortWithError(c, err)
			return
		}
		children = append(children, n)
	}
	if children, err = filter.Filter(children); err != nil {
		abortWithError(c, treelock.Error{Code: treelock.InvalidConfiguration, Err: err, UserData: filter.Expression})
		return
	}
	paths := make([]string, len(children))
	for i, n := range children {
		paths[i] = n.Path
	}
	c.IndentedJSON(http.StatusOK, paths)
}

// AddNode locks /parentNode, adds the lockable child nodeName in a transaction of its own and
// unlocks the parent.
//
// AddNode godoc
// @Summary AddNode adds a lockable child under /parentNode
// @Schemes
// @Description AddNode locks /parentNode, adds the child in a transaction and unlocks the parent.
// @Tags Nodes
// @Produce json
// @Param			nodeName	path		string		true	"Name of the child node"
// @Failure 409 {object} map[string]any
// @Failure 423 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Success 200 {object} map[string]string
// @Router /add/{nodeName} [put]
// @Security Bearer
func (s *Service) AddNode(c *gin.Context) {
	sess, err := sessionOf(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	name := c.Param("nodeName")
	if err := treelock.ValidateName(name); err != nil {
		abortWithError(c, treelock.Error{Code: treelock.InvalidConfiguration, Err: err, UserData: name})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.locks.Acquire(ctx, sess, ParentNodePath, s.lockTTL); err != nil {
		abortWithError(c, err)
		return
	}
	p, err := transaction.Execute(ctx, s.txns, func(ctx context.Context) (string, error) {
		log.Debug("sleeping inside the add transaction", "delay", s.WorkDelay)
		treelock.Sleep(ctx, s.WorkDelay)
		n, err := sess.AddNode(ctx, ParentNodePath, name, treelock.MixinLockable)
		if err != nil {
			return "", err
		}
		return n.Path, sess.Save(ctx)
	})
	err = s.locks.ReleaseAfter(context.WithoutCancel(ctx), sess, ParentNodePath, err)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, gin.H{"path": p})
}

// StatusOf maps an error to the HTTP status reported for it.
func StatusOf(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch treelock.CodeOf(err) {
	case treelock.NodeNotFound:
		return http.StatusNotFound
	case treelock.ItemExists, treelock.LockUnavailable, treelock.LockExpired, treelock.InvalidState:
		return http.StatusConflict
	case treelock.InvalidConfiguration:
		return http.StatusBadRequest
	case treelock.CorruptedResource:
		return http.StatusLocked
	case treelock.TransportFailure, treelock.NonActiveTransaction:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := StatusOf(err)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"message": err.Error(),
		"code":    treelock.CodeOf(err).String(),
	})
}

// NewRouter builds the gin engine: recovery, the token check, one session per request, then
// the service's routes. The Swagger UI under /swagger/ needs no token.
func NewRouter(s *Service, verifier *TokenVerifier) (*gin.Engine, error) {
	r := NewRegistry()
	if err := s.Register(r); err != nil {
		return nil, err
	}
	router := gin.New()
	router.Use(gin.Recovery())
	if err := r.Mount(router, verifier.Middleware(), s.SessionMiddleware()); err != nil {
		return nil, fmt.Errorf("mounting routes: %w", err)
	}
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))
	return router, nil
}
