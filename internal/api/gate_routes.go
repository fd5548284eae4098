package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	appgate "github.com/ahrav/gatekeeper/internal/app/gate"
	domain "github.com/ahrav/gatekeeper/internal/domain/gate"
)

var errRateLimited = errors.New("too many trigger requests")

type stateResponse struct {
	State   domain.State `json:"state"`
	Busy    bool         `json:"busy"`
	Failure bool         `json:"failure"`
}

func newStateResponse(s domain.State) stateResponse {
	return stateResponse{State: s, Busy: s.IsBusy(), Failure: s.IsFailure()}
}

type targetResponse struct {
	Name         string                    `json:"name,omitempty"`
	Transport    domain.TransportKind      `json:"transport"`
	Address      string                    `json:"address"`
	Secure       bool                      `json:"secure,omitempty"`
	Reachability domain.ReachabilityStatus `json:"reachability"`
	CheckedAt    *time.Time                `json:"checked_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// press forwards a trigger request to the engine. The returned status is
// the HTTP status the caller should answer with.
func (s *Server) press(ctx context.Context) (int, error) {
	s.metrics.IncPressRequests(ctx)

	if s.limiter != nil && !s.limiter.Allow() {
		s.metrics.IncPressRejected(ctx, "rate_limited")
		return http.StatusTooManyRequests, errRateLimited
	}

	if err := s.gate.Press(ctx); err != nil {
		if errors.Is(err, appgate.ErrEngineStopped) || errors.Is(err, context.Canceled) {
			s.metrics.IncPressRejected(ctx, "unavailable")
			return http.StatusServiceUnavailable, err
		}
		s.metrics.IncPressRejected(ctx, "error")
		return http.StatusInternalServerError, err
	}
	return http.StatusAccepted, nil
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	status, err := s.press(r.Context())
	if err != nil {
		s.logger.Warn(r.Context(), "Trigger request rejected", "status", status, "error", err)
		s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, r, status, newStateResponse(s.gate.State()))
}

func (s *Server) handleLegacyTrigger(w http.ResponseWriter, r *http.Request) {
	status, err := s.press(r.Context())
	if err != nil {
		s.logger.Warn(r.Context(), "Trigger request rejected", "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Retry(r.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, appgate.ErrEngineStopped) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Warn(r.Context(), "Retry request rejected", "error", err)
		s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, r, http.StatusAccepted, newStateResponse(s.gate.State()))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, newStateResponse(s.gate.State()))
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets := s.gate.Targets()
	resp := make([]targetResponse, 0, len(targets))
	for _, t := range targets {
		tr := targetResponse{
			Name:         t.Name,
			Transport:    t.Kind,
			Address:      t.Address(),
			Secure:       t.Secure,
			Reachability: t.Reachability,
		}
		if !t.CheckedAt.IsZero() {
			at := t.CheckedAt.UTC()
			tr.CheckedAt = &at
		}
		resp = append(resp, tr)
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), "failed to encode response", "error", err)
	}
}
