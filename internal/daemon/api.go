package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrymomot/tokenbucket/core/logger"
	"github.com/dmitrymomot/tokenbucket/middleware"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter"
	"github.com/dmitrymomot/tokenbucket/pkg/ratelimiter/policy"
)

type decision struct {
	Allowed      bool  `json:"allowed"`
	Limit        int64 `json:"limit"`
	Remaining    int64 `json:"remaining"`
	RetryAfterMs int64 `json:"retry_after_ms,omitempty"`
	ResetAfterMs int64 `json:"reset_after_ms"`
}

type state struct {
	Policy    string `json:"policy"`
	Available int64  `json:"available"`
}

type apiError struct {
	Error string `json:"error"`
}

// routes registers the bucket API:
//
//	POST   /v1/limits/{policy}/{key}/consume?tokens=n
//	GET    /v1/limits/{policy}/{key}
//	DELETE /v1/limits/{policy}/{key}
func (s *Service) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/limits/{policy}/{key}/consume", s.handleConsume)
	mux.HandleFunc("GET /v1/limits/{policy}/{key}", s.handleState)
	mux.HandleFunc("DELETE /v1/limits/{policy}/{key}", s.handleReset)
}

func (s *Service) handleConsume(w http.ResponseWriter, r *http.Request) {
	tokens := int64(1)
	if raw := r.URL.Query().Get("tokens"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			s.writeError(w, r, ErrInvalidTokens)
			return
		}
		tokens = n
	}

	result, err := s.Consume(r.Context(), r.PathValue("policy"), r.PathValue("key"), tokens)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	middleware.SetRateLimitHeaders(w.Header(), result, time.Now())
	status := http.StatusOK
	d := decision{
		Allowed:      result.Allowed(),
		Limit:        result.Limit,
		Remaining:    result.Remaining,
		ResetAfterMs: millis(result.ResetAfter),
	}
	if !result.Allowed() {
		status = http.StatusTooManyRequests
		d.RetryAfterMs = millis(result.RetryAfter())
	}
	writeJSON(w, status, d)
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("policy")
	proxy, _, err := s.Proxy(name, r.PathValue("key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	available, err := proxy.AvailableTokens(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state{Policy: name, Available: available})
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Reset(r.Context(), r.PathValue("policy"), r.PathValue("key")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidTokens),
		errors.Is(err, ratelimiter.ErrInvalidTokenCount):
		status = http.StatusBadRequest
	case errors.Is(err, policy.ErrPolicyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ratelimiter.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ratelimiter.ErrContextCancelled):
		status = http.StatusRequestTimeout
	}
	if status >= http.StatusInternalServerError {
		s.log.ErrorContext(r.Context(), "bucket operation failed",
			logger.Path(r.URL.Path),
			logger.Error(err))
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func millis(d time.Duration) int64 {
	if d >= ratelimiter.InfiniteDuration {
		return -1
	}
	return d.Milliseconds()
}
