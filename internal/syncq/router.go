package syncq

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	infraerrors "github.com/Wei-Shaw/opsync/internal/pkg/errors"
)

// ErrNoRoute 找不到可用路由；该错误是终态，入队前就应当发现。
var ErrNoRoute = infraerrors.BadRequest("ROUTING", "no route registered for operation")

// Route maps an op onto an HTTP method and a path template. Placeholders:
// {entity_id}, {entity_type}, {op_id}, and {payload.<path>} resolved with
// gjson against the op payload.
type Route struct {
	Method string
	Path   string
}

// Router resolves ops to concrete request lines. Routes are looked up by
// (entity_type, op_type); an op's RouteOverride names a registered named
// route instead.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Route
	named  map[string]Route
}

func NewRouter() *Router {
	return &Router{
		routes: make(map[string]Route),
		named:  make(map[string]Route),
	}
}

func routeKey(entityType string, opType OpType) string {
	return entityType + "\x00" + string(opType)
}

func (r *Router) Register(entityType string, opType OpType, method, pathTemplate string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(entityType, opType)] = Route{Method: strings.ToUpper(method), Path: pathTemplate}
}

func (r *Router) RegisterNamed(name, method, pathTemplate string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.named[name] = Route{Method: strings.ToUpper(method), Path: pathTemplate}
}

// HasRoute lets callers validate routability at enqueue time rather than
// discovering it at dispatch.
func (r *Router) HasRoute(op *PendingOp) bool {
	_, _, err := r.Resolve(op)
	return err == nil
}

var placeholderRe = regexp.MustCompile(`\{([^{}]+)\}`)

// Resolve returns the method and fully substituted path for the op.
func (r *Router) Resolve(op *PendingOp) (string, string, error) {
	r.mu.RLock()
	var route Route
	var ok bool
	if op.RouteOverride != "" {
		route, ok = r.named[op.RouteOverride]
	} else {
		route, ok = r.routes[routeKey(op.EntityType, op.OpType)]
	}
	r.mu.RUnlock()
	if !ok {
		return "", "", ErrNoRoute.WithMetadata(map[string]string{
			"entity_type": op.EntityType,
			"op_type":     string(op.OpType),
			"override":    op.RouteOverride,
		})
	}

	var payloadJSON []byte
	missing := ""
	path := placeholderRe.ReplaceAllStringFunc(route.Path, func(m string) string {
		name := m[1 : len(m)-1]
		switch name {
		case "entity_id":
			if op.EntityID == "" {
				missing = name
			}
			return url.PathEscape(op.EntityID)
		case "entity_type":
			return url.PathEscape(op.EntityType)
		case "op_id":
			return url.PathEscape(op.ID)
		}
		if strings.HasPrefix(name, "payload.") {
			if payloadJSON == nil {
				payloadJSON, _ = json.Marshal(op.Payload)
			}
			v := gjson.GetBytes(payloadJSON, strings.TrimPrefix(name, "payload."))
			if !v.Exists() {
				missing = name
				return ""
			}
			return url.PathEscape(v.String())
		}
		missing = name
		return ""
	})
	if missing != "" {
		return "", "", ErrNoRoute.WithMetadata(map[string]string{
			"placeholder": missing,
			"template":    route.Path,
		})
	}
	return route.Method, path, nil
}
