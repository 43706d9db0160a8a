package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mgazza/dorm-energy-sync/internal/dashboard"
	"github.com/mgazza/dorm-energy-sync/internal/dorms"
	"github.com/mgazza/dorm-energy-sync/internal/telemetry"
)

const (
	codeNotFound            = "not_found"
	codeBadRequest          = "bad_request"
	codeUpstreamUnavailable = "upstream_unavailable"
	codeUpstreamAuth        = "upstream_auth"
	codeUpstreamError       = "upstream_error"
	codeInternal            = "internal"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps the error taxonomy onto a status and an error code.
func classify(err error) (int, string) {
	var (
		authErr    *telemetry.AuthenticationError
		netErr     *telemetry.NetworkError
		apiErr     *telemetry.APIError
		parsingErr *telemetry.ParsingError
	)
	switch {
	case dorms.IsNotFound(err):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, dorms.ErrNegativePoints):
		return http.StatusBadRequest, codeBadRequest
	case errors.As(err, &authErr), telemetry.IsUnauthorized(err), errors.Is(err, telemetry.ErrNoCredentials):
		return http.StatusBadGateway, codeUpstreamAuth
	case errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, codeUpstreamUnavailable
	case errors.As(err, &apiErr), errors.As(err, &parsingErr):
		return http.StatusBadGateway, codeUpstreamError
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: msg})
}

type snapshotView struct {
	dorms.Snapshot
	Stale bool `json:"stale"`
}

func newSnapshotView(snap dorms.Snapshot, now time.Time) snapshotView {
	return snapshotView{Snapshot: snap, Stale: snap.Stale(now)}
}

func newSnapshotViews(snapshots []dorms.Snapshot, now time.Time) []snapshotView {
	out := make([]snapshotView, 0, len(snapshots))
	for _, snap := range snapshots {
		out = append(out, newSnapshotView(snap, now))
	}
	return out
}

type stateView struct {
	UserDorm     *snapshotView     `json:"userDorm,omitempty"`
	Leaderboard  []snapshotView    `json:"leaderboard"`
	Displayed    *snapshotView     `json:"displayed,omitempty"`
	Profile      dashboard.Profile `json:"profile"`
	Loading      bool              `json:"loading"`
	APIConnected bool              `json:"apiConnected"`
	LastError    string            `json:"lastError,omitempty"`
	RefreshedAt  *time.Time        `json:"refreshedAt,omitempty"`
}

func newStateView(state dashboard.State, now time.Time) stateView {
	view := stateView{
		Leaderboard:  newSnapshotViews(state.Leaderboard, now),
		Profile:      state.Profile,
		Loading:      state.Loading,
		APIConnected: state.APIConnected,
	}
	if state.UserDorm != nil {
		v := newSnapshotView(*state.UserDorm, now)
		view.UserDorm = &v
	}
	if state.Displayed != nil {
		v := newSnapshotView(*state.Displayed, now)
		view.Displayed = &v
	}
	if state.LastError != nil {
		view.LastError = state.LastError.Error()
	}
	if !state.RefreshedAt.IsZero() {
		t := state.RefreshedAt
		view.RefreshedAt = &t
	}
	return view
}
