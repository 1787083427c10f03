package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// UnmatchedRoute labels requests that no route accepted, keeping scanner
// traffic from creating a series per path.
const UnmatchedRoute = "unmatched"

// StatusWriter captures the status code and body size of a response. It
// forwards Hijack and Flush so WebSocket upgrades work behind it.
type StatusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	return &StatusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (sw *StatusWriter) Status() int { return sw.status }

// Bytes is the number of body bytes written so far.
func (sw *StatusWriter) Bytes() int64 { return sw.bytes }

func (sw *StatusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(p []byte) (int, error) {
	n, err := sw.ResponseWriter.Write(p)
	sw.bytes += int64(n)
	return n, err
}

func (sw *StatusWriter) Flush() {
	if flusher, ok := sw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack marks the response as 101 Switching Protocols.
func (sw *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	sw.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

// HTTPMiddleware wraps router and records every request under the template
// of the route it matched, e.g. /v1/jobs/{id}.
func HTTPMiddleware(recorder *Recorder, router *mux.Router) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := RouteLabel(router, r)
		sw := NewStatusWriter(w)
		start := time.Now()
		router.ServeHTTP(sw, r)
		rec.ObserveRequest(r.Method, route, sw.Status(), time.Since(start))
	})
}

// RouteLabel returns the path template of the route matching r, or
// UnmatchedRoute.
func RouteLabel(router *mux.Router, r *http.Request) string {
	var match mux.RouteMatch
	if !router.Match(r, &match) || match.Route == nil {
		return UnmatchedRoute
	}
	template, err := match.Route.GetPathTemplate()
	if err != nil || template == "" {
		return UnmatchedRoute
	}
	return template
}
