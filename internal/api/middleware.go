package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	headerUserID = "X-User-ID"
	headerTenant = "X-Tenant"
)

// identity 是请求头声明的调用方身份，不做认证。
type identity struct {
	UserID string
	Tenant string
}

type identityKey struct{}

func withIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identity{
			UserID: strings.TrimSpace(r.Header.Get(headerUserID)),
			Tenant: strings.TrimSpace(r.Header.Get(headerTenant)),
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func identityFromContext(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// instrument 记录审计日志与请求指标。
func (s *Server) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r)
		elapsed := time.Since(start)

		s.metrics.ObserveHTTPRequest(route, r.Method, aw.status, elapsed)
		s.audit.Info("api_request",
			"event", route,
			"method", r.Method,
			"path", r.URL.Path,
			"status", aw.status,
			"duration_ms", elapsed.Milliseconds(),
			"user", r.Header.Get(headerUserID),
			"tenant", r.Header.Get(headerTenant),
		)
	})
}

// auditWriter 捕获响应状态码，同时保留流式输出能力。
type auditWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *auditWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *auditWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
