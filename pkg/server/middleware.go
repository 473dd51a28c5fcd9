package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/computor/course-tools/pkg/metrics"
)

type statusCodeCapturingResponseWriter struct {
	http.ResponseWriter
	wroteHeader bool
	statusCode  int
}

func (l *statusCodeCapturingResponseWriter) Write(p []byte) (n int, err error) {
	l.wroteHeader = true
	return l.ResponseWriter.Write(p)
}

func (l *statusCodeCapturingResponseWriter) WriteHeader(code int) {
	if !l.wroteHeader {
		l.statusCode = code
		l.wroteHeader = true
	}
	l.ResponseWriter.WriteHeader(code)
}

// handlerFunc is an httprouter handle that additionally receives a
// request-scoped logger.
type handlerFunc func(l *logrus.Entry, w http.ResponseWriter, r *http.Request, params httprouter.Params)

func (s *Server) loggingWrapper(upstream handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		l, w, f := s.logFor(r, w)
		defer f()
		upstream(l, w, r, p)
	}
}

func (s *Server) logFor(r *http.Request, w http.ResponseWriter) (l *logrus.Entry, _ http.ResponseWriter, toDefer func()) {
	l = s.logger.WithFields(logrus.Fields{"UID": uuid.NewString(), "path": r.URL.Path, "method": r.Method})
	loggingWriter := &statusCodeCapturingResponseWriter{w, false, http.StatusOK}
	start := time.Now()
	return l, loggingWriter, func() {
		l = l.WithFields(logrus.Fields{
			"status":   loggingWriter.statusCode,
			"duration": time.Since(start).String(),
		})
		logFunc := l.Debug
		if loggingWriter.statusCode > 499 {
			logFunc = l.Error
		}
		logFunc("responded")
	}
}

// instrumentedRouter feeds every registered route into the request
// duration histogram, labeled with the route template rather than the
// raw URL so parameterized paths do not blow up the cardinality.
type instrumentedRouter struct {
	*httprouter.Router
	metrics *metrics.Metrics
}

func newInstrumentedRouter(m *metrics.Metrics) *instrumentedRouter {
	router := httprouter.New()
	router.RedirectTrailingSlash = false
	return &instrumentedRouter{Router: router, metrics: m}
}

func (ir *instrumentedRouter) wrap(method, path string, handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		capturingWriter := &statusCodeCapturingResponseWriter{w, false, http.StatusOK}
		start := time.Now()
		handler(capturingWriter, r, p)
		ir.metrics.ObserveRequest(method, path, capturingWriter.statusCode, time.Since(start))
	}
}

func (ir *instrumentedRouter) GET(path string, handle httprouter.Handle) {
	ir.Router.GET(path, ir.wrap(http.MethodGet, path, handle))
}

func (ir *instrumentedRouter) POST(path string, handle httprouter.Handle) {
	ir.Router.POST(path, ir.wrap(http.MethodPost, path, handle))
}
