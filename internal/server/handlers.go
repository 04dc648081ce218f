package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/thetanil/matrixvault/internal/auth"
	"github.com/thetanil/matrixvault/internal/cells"
	"github.com/thetanil/matrixvault/internal/gate"
	"github.com/thetanil/matrixvault/internal/history"
	"github.com/thetanil/matrixvault/internal/viewport"
)

const maxBodyBytes = 4 << 20

type unlockRequest struct {
	Secret    string `json:"secret" validate:"required,max=512"`
	EmailCode string `json:"email_code" validate:"required,max=16"`
	AppCode   string `json:"app_code" validate:"omitempty,max=16"`
}

type setCellRequest struct {
	Row   *int64 `json:"row" validate:"required,min=0"`
	Col   *int64 `json:"col" validate:"required,min=0"`
	Value string `json:"value"`
}

type saveRequest struct {
	MatrixData map[string]map[string]string `json:"matrix_data" validate:"required"`
}

type rangeRequest struct {
	StartRow *int64 `json:"start_row" validate:"omitempty,min=0"`
	EndRow   *int64 `json:"end_row" validate:"omitempty,min=0"`
	StartCol *int64 `json:"start_col" validate:"omitempty,min=0"`
	EndCol   *int64 `json:"end_col" validate:"omitempty,min=0"`
}

func (rr rangeRequest) toRange() viewport.Range {
	r := viewport.DefaultRange()
	if rr.StartRow != nil {
		r.StartRow = *rr.StartRow
	}
	if rr.EndRow != nil {
		r.EndRow = *rr.EndRow
	}
	if rr.StartCol != nil {
		r.StartCol = *rr.StartCol
	}
	if rr.EndCol != nil {
		r.EndCol = *rr.EndCol
	}
	return r
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	actor := auth.ActorFromContext(r.Context())
	id, expires, err := s.gate.Begin(r.Context(), actor, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/secure",
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": id,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.gate.Unlock(r.Context(), sessionID(r), auth.ActorFromContext(r.Context()), gate.UnlockRequest{
		Secret:    req.Secret,
		EmailCode: req.EmailCode,
		AppCode:   req.AppCode,
	}, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.gate.Logout(r.Context(), sessionID(r), auth.ActorFromContext(r.Context()), s.requestMeta(r))
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/secure",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	g, ok := s.grant(w, r)
	if !ok {
		return
	}
	v, err := s.matrix.View(r.Context(), g, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"rows":    v.Size.Rows,
		"cols":    v.Size.Cols,
		"cells":   v.Cells.Nested(),
		"loaded": map[string]int64{
			"start_row": v.Loaded.StartRow,
			"end_row":   v.Loaded.EndRow,
			"start_col": v.Loaded.StartCol,
			"end_col":   v.Loaded.EndCol,
		},
	})
}

func (s *Server) handleSetCell(w http.ResponseWriter, r *http.Request) {
	g, ok := s.grant(w, r)
	if !ok {
		return
	}
	var req setCellRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.matrix.SetCell(r.Context(), g, *req.Row, *req.Col, req.Value, s.requestMeta(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"row":     *req.Row,
		"col":     *req.Col,
		"value":   req.Value,
	})
}

func (s *Server) handleDeleteCell(w http.ResponseWriter, r *http.Request) {
	g, ok := s.grant(w, r)
	if !ok {
		return
	}
	row, rerr := strconv.ParseInt(r.PathValue("row"), 10, 64)
	col, cerr := strconv.ParseInt(r.PathValue("col"), 10, 64)
	if rerr != nil || cerr != nil || row < 0 || col < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid cell coordinates"})
		return
	}
	existed, err := s.matrix.DeleteCell(r.Context(), g, row, col, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"row":     row,
		"col":     col,
		"deleted": existed,
	})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	g, ok := s.grant(w, r)
	if !ok {
		return
	}
	var req rangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	rng := req.toRange()
	data, err := s.matrix.LoadRange(r.Context(), g, rng, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"cells":     data.Nested(),
		"start_row": rng.StartRow,
		"end_row":   rng.EndRow,
		"start_col": rng.StartCol,
		"end_col":   rng.EndCol,
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	g, ok := s.grant(w, r)
	if !ok {
		return
	}
	var req saveRequest
	if !s.decode(w, r, &req) {
		return
	}
	data, err := cells.FromNested(req.MatrixData)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
		return
	}
	n, err := s.matrix.BulkSave(r.Context(), g, data, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "cells_updated": n})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	g, ok := s.grant(w, r)
	if !ok {
		return
	}
	data, err := s.matrix.Undo(r.Context(), g, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "matrix_data": data.Nested()})
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	g, ok := s.grant(w, r)
	if !ok {
		return
	}
	data, err := s.matrix.Redo(r.Context(), g, s.requestMeta(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "matrix_data": data.Nested()})
}

// grant resolves the unlocked session of the request or writes the error.
func (s *Server) grant(w http.ResponseWriter, r *http.Request) (gate.Grant, bool) {
	g, err := s.gate.Access(sessionID(r), auth.ActorFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return gate.Grant{}, false
	}
	return g, true
}

// decode reads and validates a JSON body into dst.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		msg := "invalid request"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = "invalid field: " + verrs[0].Field()
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": msg})
		return false
	}
	return true
}

// writeError maps service errors to responses. Details of unexpected errors
// only go to the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	switch {
	case errors.Is(err, gate.ErrAccessDenied):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, gate.ErrTooManyAttempts):
		status, msg = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, gate.ErrNotGranted):
		status, msg = http.StatusUnauthorized, err.Error()
	case errors.Is(err, history.ErrNothingToUndo), errors.Is(err, history.ErrNothingToRedo):
		status, msg = http.StatusOK, err.Error()
	case errors.Is(err, cells.ErrEmptyValue),
		errors.Is(err, cells.ErrValueTooLong),
		errors.Is(err, viewport.ErrInvalidRange),
		errors.Is(err, viewport.ErrRangeTooLarge):
		status, msg = http.StatusBadRequest, err.Error()
	default:
		s.log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
	}
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// requestMeta describes the client for the access log. X-Forwarded-For is
// only believed when the peer is a trusted proxy; its first hop is the client.
func (s *Server) requestMeta(r *http.Request) gate.Meta {
	origin := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		origin = host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && s.trustedPeer(origin) {
		first, _, _ := strings.Cut(fwd, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			origin = addr.String()
		}
	}
	return gate.Meta{Origin: origin, ClientID: r.UserAgent()}
}

func (s *Server) trustedPeer(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
