// Package httpapi serves dashboard state and dorm data over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/mgazza/dorm-energy-sync/internal/dashboard"
	"github.com/mgazza/dorm-energy-sync/internal/dorms"
	"github.com/mgazza/dorm-energy-sync/internal/metrics"
)

const maxBodyBytes = 1 << 16

// Dorms is the read side of the aggregation layer.
type Dorms interface {
	GetAllDormData(ctx context.Context) ([]dorms.Snapshot, error)
	GetUserDormData(ctx context.Context) (dorms.Snapshot, error)
	GetLeaderboard(ctx context.Context, topN int) ([]dorms.Snapshot, error)
	Cached() ([]dorms.Snapshot, time.Time, bool)
	Selection(ctx context.Context) dorms.UserSelection
}

// Dashboard is the publisher surface the API drives.
type Dashboard interface {
	State() dashboard.State
	ForceRefresh(ctx context.Context) error
	UpdateSelection(ctx context.Context, sel dorms.UserSelection) (dorms.UserSelection, error)
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	Now            func() time.Time
}

// Server holds the handlers.
type Server struct {
	dorms   Dorms
	board   Dashboard
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewHandler builds the API router wrapped in CORS and request logging.
func NewHandler(d Dorms, board Dashboard, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{
		dorms:   d,
		board:   board,
		log:     opts.Logger.Named("http"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}

	r := mux.NewRouter()
	r.Use(s.observe)
	r.HandleFunc("/health/live", s.live).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.ready).Methods(http.MethodGet)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/state", s.state).Methods(http.MethodGet)
	api.HandleFunc("/dorms", s.allDorms).Methods(http.MethodGet)
	api.HandleFunc("/dorms/cached", s.cachedDorms).Methods(http.MethodGet)
	api.HandleFunc("/dorms/me", s.userDorm).Methods(http.MethodGet)
	api.HandleFunc("/leaderboard", s.leaderboard).Methods(http.MethodGet)
	api.HandleFunc("/refresh", s.refresh).Methods(http.MethodPost)
	api.HandleFunc("/selection", s.selection).Methods(http.MethodGet)
	api.HandleFunc("/selection", s.updateSelection).Methods(http.MethodPut)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

func (s *Server) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ready(w http.ResponseWriter, _ *http.Request) {
	state := s.board.State()
	if state.RefreshedAt.IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	body := map[string]any{
		"status":       "ok",
		"apiConnected": state.APIConnected,
		"refreshedAt":  state.RefreshedAt,
	}
	if !state.APIConnected {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, newStateView(s.board.State(), s.now()))
}

func (s *Server) allDorms(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.dorms.GetAllDormData(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotViews(snapshots, s.now()))
}

func (s *Server) cachedDorms(w http.ResponseWriter, _ *http.Request) {
	snapshots, capturedAt, ok := s.dorms.Cached()
	if !ok {
		writeError(w, http.StatusNotFound, codeNotFound, "nothing cached yet")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"capturedAt": capturedAt,
		"dorms":      newSnapshotViews(snapshots, s.now()),
	})
}

func (s *Server) userDorm(w http.ResponseWriter, r *http.Request) {
	snap, err := s.dorms.GetUserDormData(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap, s.now()))
}

func (s *Server) leaderboard(w http.ResponseWriter, r *http.Request) {
	top := dashboard.LeaderboardSize
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "top must be a non-negative integer")
			return
		}
		top = n
	}
	snapshots, err := s.dorms.GetLeaderboard(r.Context(), top)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotViews(snapshots, s.now()))
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.board.ForceRefresh(ctx); err != nil && !errors.Is(err, dashboard.ErrStopped) {
			s.log.Debug("requested refresh failed", zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func (s *Server) selection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dorms.Selection(r.Context()))
}

// selectionRequest keeps the stored energy points when the body omits them.
type selectionRequest struct {
	Username     string `json:"username"`
	Dorm         string `json:"dorm"`
	EnergyPoints *int   `json:"energyPoints"`
}

func (s *Server) updateSelection(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid body")
		return
	}
	var req selectionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Dorm) == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "dorm is required")
		return
	}
	sel := dorms.UserSelection{Username: req.Username, Dorm: req.Dorm}
	if req.EnergyPoints != nil {
		sel.EnergyPoints = *req.EnergyPoints
	} else {
		sel.EnergyPoints = s.dorms.Selection(r.Context()).EnergyPoints
	}
	saved, err := s.board.UpdateSelection(r.Context(), sel)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed", zap.String("code", code), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}
