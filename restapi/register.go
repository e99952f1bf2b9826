package restapi

import (
	"fmt"
	"sort"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates supported HTTP operations.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// DELETE removes resources.
	DELETE
	// POST creates resources.
	POST
	// PUT creates or replaces resources.
	PUT
	// PATCH partially updates resources.
	PATCH
)

func (v HTTPVerb) String() string {
	switch v {
	case GET:
		return "GET"
	case DELETE:
		return "DELETE"
	case POST:
		return "POST"
	case PUT:
		return "PUT"
	case PATCH:
		return "PATCH"
	}
	return "UNKNOWN"
}

// RestMethod describes a REST route handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler gin.HandlerFunc
}

func (m RestMethod) key() string {
	return fmt.Sprintf("%s_%s", m.Verb, m.Path)
}

// Registry collects the routes a server exposes.
type Registry struct {
	methods map[string]RestMethod
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		methods: make(map[string]RestMethod),
	}
}

// RegisterMethod builds a RestMethod and registers it using Register.
func (r *Registry) RegisterMethod(verb HTTPVerb, path string, h gin.HandlerFunc) error {
	return r.Register(RestMethod{
		Verb:    verb,
		Path:    path,
		Handler: h,
	})
}

// Register inserts m, refusing a second handler for the same verb and path.
func (r *Registry) Register(m RestMethod) error {
	if m.Handler == nil {
		return fmt.Errorf("can't add %s, handler is nil", m.key())
	}
	key := m.key()
	if _, exists := r.methods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	r.methods[key] = m
	return nil
}

// RestMethods returns the registered methods ordered by path, then verb.
func (r *Registry) RestMethods() []RestMethod {
	l := make([]RestMethod, 0, len(r.methods))
	for _, m := range r.methods {
		l = append(l, m)
	}
	sort.Slice(l, func(i, j int) bool {
		if l[i].Path != l[j].Path {
			return l[i].Path < l[j].Path
		}
		return l[i].Verb < l[j].Verb
	})
	return l
}

// Mount adds every registered method to group, each behind the given middlewares.
func (r *Registry) Mount(group gin.IRoutes, middlewares ...gin.HandlerFunc) error {
	for _, rm := range r.RestMethods() {
		handlers := append(append([]gin.HandlerFunc(nil), middlewares...), rm.Handler)
		switch rm.Verb {
		case GET:
			group.GET(rm.Path, handlers...)
		case DELETE:
			group.DELETE(rm.Path, handlers...)
		case POST:
			group.POST(rm.Path, handlers...)
		case PUT:
			group.PUT(rm.Path, handlers...)
		case PATCH:
			group.PATCH(rm.Path, handlers...)
		default:
			return fmt.Errorf("HTTP verb %d not supported", rm.Verb)
		}
	}
	return nil
}
