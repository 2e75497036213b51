// Package web exposes the operator HTTP surface: health, position inspection,
// position opening, expiry extension, manual force close, and Prometheus
// metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"positionGuard/internal/app"
	"positionGuard/internal/domain"
	"positionGuard/internal/ports"
)

// Server serves the admin API.
type Server struct {
	logger  ports.Logger
	service *app.LifecycleService
	httpSrv *http.Server
}

// NewServer creates the admin server bound to addr.
func NewServer(addr string, logger ports.Logger, service *app.LifecycleService) (*Server, error) {
	if addr == "" || logger == nil || service == nil {
		return nil, fmt.Errorf("missing required dependencies for web server")
	}
	s := &Server{logger: logger, service: service}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /positions", s.handleListPositions)
	mux.HandleFunc("POST /positions", s.handleOpenPosition)
	mux.HandleFunc("GET /positions/{id}", s.handleGetPosition)
	mux.HandleFunc("GET /positions/{id}/audit", s.handleAuditTrail)
	mux.HandleFunc("POST /positions/{id}/extend", s.handleExtend)
	mux.HandleFunc("POST /positions/{id}/force-close", s.handleForceClose)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Admin HTTP server listening", map[string]interface{}{"addr": s.httpSrv.Addr})
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.Status(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.service.ListActive(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		out = append(out, toPositionView(pos))
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

// openPositionRequest is the POST /positions body.
type openPositionRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // "LONG" or "SHORT"
	Size        float64 `json:"size"`
	EntryHint   float64 `json:"entry_hint"`
	TP1Price    float64 `json:"tp1_price"`
	TP2Price    float64 `json:"tp2_price"`
	StopPrice   float64 `json:"stop_price"`
	TP1Fraction float64 `json:"tp1_fraction,omitempty"`
	TP2Fraction float64 `json:"tp2_fraction,omitempty"`
	MaxAgeHours float64 `json:"max_age_hours,omitempty"`
	Credential  string  `json:"credential,omitempty"`
	Market      string  `json:"market,omitempty"`
}

func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var body openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	req := domain.OpenRequest{
		Symbol:      body.Symbol,
		Side:        domain.Side(body.Side),
		Size:        body.Size,
		EntryHint:   body.EntryHint,
		TP1Price:    body.TP1Price,
		TP2Price:    body.TP2Price,
		StopPrice:   body.StopPrice,
		TP1Fraction: body.TP1Fraction,
		TP2Fraction: body.TP2Fraction,
	}
	if body.Credential != "" || body.Market != "" {
		req.Scope = domain.AccountScope{Credential: body.Credential, Market: body.Market}
	}
	if body.MaxAgeHours > 0 {
		req.MaxAge = time.Duration(body.MaxAgeHours * float64(time.Hour))
	}

	pos, err := s.service.OpenPosition(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ports.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		s.writeError(w, r, status, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, toPositionView(pos))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	pos, err := s.service.FindPosition(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if pos == nil {
		s.writeError(w, r, http.StatusNotFound, ports.ErrNotFound)
		return
	}
	s.writeJSON(w, r, http.StatusOK, toPositionView(pos))
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	trail, err := s.service.AuditTrail(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, trail)
}

type extendRequest struct {
	Hours float64 `json:"hours"`
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	var body extendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return
	}

	extended, err := s.service.ExtendExpiry(r.Context(), id, time.Duration(body.Hours*float64(time.Hour)))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ports.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		s.writeError(w, r, status, err)
		return
	}
	if !extended {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("position %d cannot be extended", id))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]bool{"extended": true})
}

func (s *Server) handleForceClose(w http.ResponseWriter, r *http.Request) {
	id, ok := s.positionID(w, r)
	if !ok {
		return
	}
	closed, err := s.service.ForceClose(r.Context(), id)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	if !closed {
		s.writeError(w, r, http.StatusConflict, fmt.Errorf("position %d is not active", id))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]bool{"closed": true})
}

// positionView is the JSON shape of a position on the wire.
type positionView struct {
	ID            int64   `json:"id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Phase         string  `json:"phase"`
	Size          float64 `json:"size"`
	RemainingSize float64 `json:"remaining_size"`
	EntryPrice    float64 `json:"entry_price"`
	TP1Price      float64 `json:"tp1_price"`
	TP2Price      float64 `json:"tp2_price"`
	StopPrice     float64 `json:"stop_price"`
	RealizedPnL   float64 `json:"realized_pnl"`
	CloseCause    string  `json:"close_cause,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

func toPositionView(pos *domain.Position) positionView {
	return positionView{
		ID:            pos.ID,
		Symbol:        pos.Symbol,
		Side:          string(pos.Side),
		Phase:         string(pos.Phase),
		Size:          pos.Size,
		RemainingSize: pos.RemainingSize,
		EntryPrice:    pos.EntryPrice,
		TP1Price:      pos.TP1Price,
		TP2Price:      pos.TP2Price,
		StopPrice:     pos.StopPrice,
		RealizedPnL:   pos.RealizedPnL,
		CloseCause:    string(pos.CloseCause),
		CreatedAt:     pos.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) positionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid position id"))
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(r.Context(), err, "Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), err, "Request failed", map[string]interface{}{
			"method": r.Method, "path": r.URL.Path,
		})
	}
	s.writeJSON(w, r, status, map[string]string{"error": err.Error()})
}
