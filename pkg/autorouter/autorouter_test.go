package autorouter

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timerHandler struct {
	name string
}

func (h *timerHandler) StartStop(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "start-stop by %s", h.name)
}

func (h *timerHandler) Reset(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusAccepted)
}

func (h *timerHandler) Broken(w http.ResponseWriter, r *http.Request) error {
	return errors.New("boom")
}

// HandleHealth is routed manually
func (h *timerHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {}

func (h *timerHandler) Label() string { return h.name }

func (h *timerHandler) WrongArgs(w http.ResponseWriter) {}

func (h *timerHandler) unexported(w http.ResponseWriter, r *http.Request) {}

func serve(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	return w
}

func TestRegisterHandlers(t *testing.T) {
	mux := http.NewServeMux()
	router := NewAutoRouter(mux, RegistrationOptions{Prefix: "/api/v1/", MethodPrefix: "timer."})

	routes, err := router.RegisterHandlers(&timerHandler{name: "peer"})
	require.NoError(t, err)
	assert.Equal(t, []Route{
		{Path: "/api/v1/timer.Broken", MethodName: "Broken"},
		{Path: "/api/v1/timer.Reset", MethodName: "Reset"},
		{Path: "/api/v1/timer.StartStop", MethodName: "StartStop"},
	}, routes)

	w := serve(mux, "/api/v1/timer.StartStop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "start-stop by peer", w.Body.String())

	assert.Equal(t, http.StatusAccepted, serve(mux, "/api/v1/timer.Reset").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(mux, "/api/v1/timer.Broken").Code)
	assert.Equal(t, http.StatusNotFound, serve(mux, "/api/v1/timer.HandleHealth").Code)
}

func TestRegisterHandlers_LowercaseWithoutMethodPrefix(t *testing.T) {
	router := NewAutoRouter(http.NewServeMux(), RegistrationOptions{Prefix: "/rpc/"})
	routes, err := router.Routes(&timerHandler{})
	require.NoError(t, err)
	require.NotEmpty(t, routes)
	assert.Equal(t, "/rpc/broken", routes[0].Path)
}

func TestRegisterHandlers_RejectsNonStruct(t *testing.T) {
	router := NewAutoRouter(http.NewServeMux(), RegistrationOptions{})
	_, err := router.RegisterHandlers(42)
	assert.Error(t, err)
	_, err = router.RegisterHandlers(nil)
	assert.Error(t, err)
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	mux := http.NewServeMux()
	base := NewAutoRouter(mux, RegistrationOptions{
		Prefix:     "/api/v1/",
		Middleware: []Middleware{tag("outer")},
	})
	_, err := base.With(tag("inner")).Group("timer.").RegisterHandlers(&timerHandler{})
	require.NoError(t, err)

	serve(mux, "/api/v1/timer.StartStop")
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Len(t, base.options.Middleware, 1, "With does not mutate the parent")
}

func TestRegisterSingleMethod(t *testing.T) {
	mux := http.NewServeMux()
	router := NewAutoRouter(mux, RegistrationOptions{Prefix: "/api/v1/"})

	require.NoError(t, router.RegisterSingleMethod(&timerHandler{name: "single"}, "StartStop", "custom/path"))
	assert.Equal(t, "start-stop by single", serve(mux, "/api/v1/custom/path").Body.String())

	assert.Error(t, router.RegisterSingleMethod(&timerHandler{}, "Missing", "x"))
	assert.Error(t, router.RegisterSingleMethod(&timerHandler{}, "Label", "y"))
}
