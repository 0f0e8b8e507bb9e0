// Package autorouter registers JSON-RPC style handler methods on a ServeMux
// by reflection: every exported method of the form
// func(http.ResponseWriter, *http.Request) becomes Prefix+MethodPrefix+Name.
package autorouter

import (
	"net/http"
	"reflect"
	"sort"
	"strings"

	"github.com/samber/oops"
	"go.uber.org/zap"

	"github.com/danghamo/cozyfocus/pkg/logger"
)

// Middleware represents middleware function signature
type Middleware func(http.Handler) http.Handler

// RegistrationOptions configures how handlers are registered
type RegistrationOptions struct {
	Prefix       string // URL prefix, e.g. "/api/v1/"
	MethodPrefix string // e.g. "timer." gives "timer.StartStop"
	Middleware   []Middleware
	Logger       *logger.Logger
}

// Route is one registered method
type Route struct {
	Path       string
	MethodName string
}

// AutoRouter registers handler methods on a mux
type AutoRouter struct {
	mux     *http.ServeMux
	options RegistrationOptions
	logger  *logger.Logger
}

var (
	responseWriterType = reflect.TypeOf((*http.ResponseWriter)(nil)).Elem()
	requestType        = reflect.TypeOf((*http.Request)(nil))
	errorType          = reflect.TypeOf((*error)(nil)).Elem()
)

// NewAutoRouter creates a new auto router
func NewAutoRouter(mux *http.ServeMux, options RegistrationOptions) *AutoRouter {
	log := options.Logger
	if log == nil {
		log = logger.NewNop()
	}
	return &AutoRouter{mux: mux, options: options, logger: log.WithComponent("autorouter")}
}

// With returns a router sharing the mux whose registrations are wrapped in
// mws, innermost last, after the router's own middleware
func (ar *AutoRouter) With(mws ...Middleware) *AutoRouter {
	opts := ar.options
	opts.Middleware = append(append([]Middleware(nil), ar.options.Middleware...), mws...)
	return &AutoRouter{mux: ar.mux, options: opts, logger: ar.logger}
}

// Group returns a router sharing the mux and middleware with a different method prefix
func (ar *AutoRouter) Group(methodPrefix string) *AutoRouter {
	opts := ar.options
	opts.MethodPrefix = methodPrefix
	return &AutoRouter{mux: ar.mux, options: opts, logger: ar.logger}
}

// RegisterHandlers registers every matching method of handler. Methods
// named Handle* are left for manual routing.
func (ar *AutoRouter) RegisterHandlers(handler any) ([]Route, error) {
	routes, err := ar.Routes(handler)
	if err != nil {
		return nil, err
	}

	value := reflect.ValueOf(handler)
	for _, route := range routes {
		ar.mount(route.Path, value.MethodByName(route.MethodName))
		ar.logger.Debug("Auto-registered route",
			zap.String("path", route.Path),
			zap.String("method", route.MethodName))
	}
	return routes, nil
}

// RegisterSingleMethod registers one method under a custom path below Prefix
func (ar *AutoRouter) RegisterSingleMethod(handler any, methodName, customPath string) error {
	method := reflect.ValueOf(handler).MethodByName(methodName)
	if !method.IsValid() {
		return oops.In("autorouter").With("method", methodName).Errorf("method not found")
	}
	if !isHandlerFunc(method.Type()) {
		return oops.In("autorouter").With("method", methodName).Errorf("method does not match handler signature")
	}

	path := ar.options.Prefix + customPath
	ar.mount(path, method)
	ar.logger.Debug("Registered custom route", zap.String("path", path), zap.String("method", methodName))
	return nil
}

// Routes lists the routes RegisterHandlers would create, sorted by path
func (ar *AutoRouter) Routes(handler any) ([]Route, error) {
	t := reflect.TypeOf(handler)
	if t == nil {
		return nil, oops.In("autorouter").Errorf("handler is nil")
	}
	base := t
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		return nil, oops.In("autorouter").With("type", t.String()).Errorf("handler must be a struct or pointer to struct")
	}

	value := reflect.ValueOf(handler)
	var routes []Route
	for i := 0; i < t.NumMethod(); i++ {
		name := t.Method(i).Name
		if strings.HasPrefix(name, "Handle") {
			continue
		}
		if !isHandlerFunc(value.Method(i).Type()) {
			continue
		}
		routes = append(routes, Route{Path: ar.path(name), MethodName: name})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })
	return routes, nil
}

func (ar *AutoRouter) path(methodName string) string {
	if ar.options.MethodPrefix != "" {
		return ar.options.Prefix + ar.options.MethodPrefix + methodName
	}
	return ar.options.Prefix + strings.ToLower(methodName)
}

func (ar *AutoRouter) mount(path string, method reflect.Value) {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := method.Call([]reflect.Value{reflect.ValueOf(w), reflect.ValueOf(r)})
		if len(results) == 1 && !results[0].IsNil() {
			err := results[0].Interface().(error)
			ar.logger.Error("Handler returned error", zap.String("path", path), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	for i := len(ar.options.Middleware) - 1; i >= 0; i-- {
		h = ar.options.Middleware[i](h)
	}
	ar.mux.Handle(path, h)
}

// isHandlerFunc matches func(http.ResponseWriter, *http.Request) with an
// optional error result
func isHandlerFunc(t reflect.Type) bool {
	if t.Kind() != reflect.Func || t.NumIn() != 2 || t.NumOut() > 1 {
		return false
	}
	if t.NumOut() == 1 && !t.Out(0).Implements(errorType) {
		return false
	}
	return t.In(0) == responseWriterType && t.In(1) == requestType
}
