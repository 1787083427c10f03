package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/jobs/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}).Methods(http.MethodGet)
	return r
}

func TestHTTPMiddlewareLabelsByRouteTemplate(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, testRouter())

	for _, id := range []string{"abc", "6f1c2a90-aa"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil))
	}
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/wp-login.php", nil))

	if got := testutil.ToFloat64(recorder.requestsTotal.WithLabelValues("GET", "/v1/jobs/{id}", "418")); got != 2 {
		t.Fatalf("expected two requests under the route template, got %v", got)
	}
	if got := testutil.ToFloat64(recorder.requestsTotal.WithLabelValues("GET", UnmatchedRoute, "404")); got != 1 {
		t.Fatalf("expected one unmatched request, got %v", got)
	}
}

func TestRouteLabelRejectsWrongMethod(t *testing.T) {
	if got := RouteLabel(testRouter(), httptest.NewRequest(http.MethodDelete, "/v1/jobs/abc", nil)); got != UnmatchedRoute {
		t.Fatalf("expected %q for a method mismatch, got %q", UnmatchedRoute, got)
	}
}

func TestStatusWriterTracksStatusAndBytes(t *testing.T) {
	sw := NewStatusWriter(httptest.NewRecorder())
	if sw.Status() != http.StatusOK {
		t.Fatalf("expected default status 200, got %d", sw.Status())
	}
	sw.WriteHeader(http.StatusCreated)
	_, _ = sw.Write([]byte("hello"))
	_, _ = sw.Write([]byte(" world"))
	if sw.Status() != http.StatusCreated || sw.Bytes() != 11 {
		t.Fatalf("unexpected status %d bytes %d", sw.Status(), sw.Bytes())
	}
}
