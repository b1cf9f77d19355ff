package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/skylight-sec/skylight/internal/auth"
	apperr "github.com/skylight-sec/skylight/internal/errors"
	"github.com/skylight-sec/skylight/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument logs every request and feeds the latency histogram. The route
// template, not the raw path, is used as the metric label to keep
// cardinality bounded.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		metrics.Get().ObserveRequest(r.Method, route, strconv.Itoa(rec.status), elapsed)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("request served")
	})
}

// authenticate verifies the bearer token and stores the principal on the
// request context. Handlers trust the principal for organization scoping.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.FromAuthorizationHeader(r.Header.Get("Authorization"))
		principal, err := s.verifier.Verify(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

// requireWriter rejects read-only roles on mutating endpoints.
func requireWriter(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, apperr.Newf(apperr.KindAuthRequired, "api.role", "no principal on request"))
		return auth.Principal{}, false
	}
	if principal.Role == auth.RoleViewer {
		writeError(w, r, apperr.Newf(apperr.KindPermissionDenied, "api.role", "role %s is read-only", principal.Role))
		return auth.Principal{}, false
	}
	return principal, true
}

func principalOr401(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, r, apperr.Newf(apperr.KindAuthRequired, "api.principal", "no principal on request"))
		return auth.Principal{}, false
	}
	return principal, true
}
