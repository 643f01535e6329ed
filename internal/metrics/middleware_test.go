package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/targets/{target}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "target") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Get(scrapeRoute, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serve := func(path string) {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}
	serve("/api/targets/cairo")
	serve("/api/targets/giza")
	serve("/api/targets/missing")
	serve("/nowhere")
	serve(scrapeRoute)

	route := "/api/targets/{target}"
	require.InDelta(t, 2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, route, "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, route, "404")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")), 0)
	require.Zero(t, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, scrapeRoute, "200")))
}

func TestStatusRecorderKeepsFirstCode(t *testing.T) {
	t.Parallel()

	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	require.Equal(t, http.StatusOK, rec.code())
	rec.WriteHeader(http.StatusTeapot)
	rec.WriteHeader(http.StatusInternalServerError)
	require.Equal(t, http.StatusTeapot, rec.code())
}
