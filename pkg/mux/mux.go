package mux

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests by handler and response code.",
	}, []string{"handler", "method", "code"})

	HTTPRequestDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_request_duration_seconds",
		Help: "The duration of HTTP requests by handler.",
	}, []string{"handler"})
)

func RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(HTTPRequestsTotal)
	registerer.MustRegister(HTTPRequestDurHistogram)
}

// ResponseWriter extends http.ResponseWriter with error capture and
// handler attribution for logging and metrics.
type ResponseWriter interface {
	http.ResponseWriter
	Error() error
	Size() int64
	Status() int
	SetHandler(name string)
	WriteError(statusCode int, err error)
}

var _ ResponseWriter = &response{}

type response struct {
	http.ResponseWriter
	handler     string
	err         error
	status      int
	size        int64
	wroteHeader bool
}

func (r *response) Error() error {
	return r.err
}

func (r *response) Size() int64 {
	return r.size
}

func (r *response) Status() int {
	return r.status
}

func (r *response) SetHandler(name string) {
	r.handler = name
}

func (r *response) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *response) WriteHeader(statusCode int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) WriteError(statusCode int, err error) {
	r.err = err
	http.Error(r.ResponseWriter, err.Error(), statusCode)
	r.wroteHeader = true
	r.status = statusCode
}

// ServeMux wraps http.ServeMux so that every handler reports its own name,
// status and duration, and every request carries a request id.
type ServeMux struct {
	mux *http.ServeMux
	log logr.Logger
}

func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{
		mux: http.NewServeMux(),
		log: log,
	}
}

func (s *ServeMux) Handle(pattern string, handler func(rw ResponseWriter, req *http.Request)) {
	s.mux.HandleFunc(pattern, func(rw http.ResponseWriter, req *http.Request) {
		start := time.Now()
		reqID := uuid.NewString()
		rw.Header().Set("X-Request-Id", reqID)
		resp := &response{
			ResponseWriter: rw,
			status:         http.StatusOK,
		}
		handler(resp, req)
		latency := time.Since(start)

		HTTPRequestsTotal.WithLabelValues(resp.handler, req.Method, strconv.Itoa(resp.status)).Inc()
		HTTPRequestDurHistogram.WithLabelValues(resp.handler).Observe(latency.Seconds())

		kvs := []any{
			"path", req.URL.Path,
			"status", resp.status,
			"method", req.Method,
			"latency", latency,
			"ip", req.RemoteAddr,
			"handler", resp.handler,
			"requestId", reqID,
		}
		if err := resp.Error(); err != nil {
			s.log.Error(err, "", kvs...)
			return
		}
		s.log.V(4).Info("", kvs...)
	})
}

func (s *ServeMux) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(rw, req)
}
