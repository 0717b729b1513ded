package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"homerbot/internal/automation"
	"homerbot/internal/otp"
	"homerbot/internal/session"
	"homerbot/internal/storage"
	logx "homerbot/pkg/logx"
)

// Handler serves the polling surface clients use to drive sessions.
type Handler struct {
	reg     *session.Registry
	bridge  *otp.Bridge
	store   storage.Store
	factory automation.Factory
	log     logx.Logger
}

func NewHandler(reg *session.Registry, bridge *otp.Bridge, store storage.Store, factory automation.Factory, log logx.Logger) *Handler {
	return &Handler{reg: reg, bridge: bridge, store: store, factory: factory, log: log}
}

func (h *Handler) routes(r chi.Router, notifyLimit func(http.Handler) http.Handler) {
	r.Post("/auth/login", h.login)
	r.Get("/auth/pending-input", h.pendingInput)
	r.Post("/auth/submit-input", h.submitInput)
	r.With(notifyLimit).Post("/auth/notify-code", h.notifyCode)
	r.Post("/auth/logout", h.logout)
	r.Get("/session/stats", h.sessionStats)
	r.Get("/transfers/recent", h.recentTransfers)
	r.Get("/healthz", h.healthz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeOK emits the documented flat body: the payload fields next to the
// success flag, not nested under a wrapper.
func writeOK(w http.ResponseWriter, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = true
	writeJSON(w, http.StatusOK, body)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

type loginRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone"`
}

// login mints a driver, registers the session and kicks off the
// asynchronous login. Responds before the login outcome is known;
// clients learn it by polling pending-input / stats.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		writeErr(w, http.StatusBadRequest, "username is required")
		return
	}

	drv, err := h.factory(req.Username, strings.TrimSpace(req.Phone))
	if err != nil {
		h.log.Error("driver creation failed", logx.String("username", req.Username), logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "could not start automation")
		return
	}

	id, err := h.reg.Create(r.Context(), req.Username, drv)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.reg.BeginLogin(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"sessionId": id})
}

// pendingInput is the poll endpoint. Besides reporting what the driver
// waits for, it counts as client activity and gives the passcode bridge a
// chance to auto-resolve a queued code.
func (h *Handler) pendingInput(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFromQuery(w, r)
	if !ok {
		return
	}

	resolved, err := h.bridge.Resolve(r.Context(), s)
	if err != nil {
		h.log.Warn("auto-resolve failed", logx.String("session_id", s.ID), logx.Err(err))
	}

	kind := s.PendingInputType()
	resp := map[string]any{
		"state":         s.State().String(),
		"pendingType":   nil,
		"pendingData":   nil,
		"authenticated": s.State() == session.StateAuthenticated,
		"resolved":      resolved,
	}
	if kind != automation.InputNone {
		resp["pendingType"] = string(kind)
		resp["pendingData"] = s.PendingInputData()
	}
	writeOK(w, resp)
}

type submitInputRequest struct {
	SessionID string `json:"sessionId"`
	Value     string `json:"value"`
}

func (h *Handler) submitInput(w http.ResponseWriter, r *http.Request) {
	var req submitInputRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeErr(w, http.StatusBadRequest, "value is required")
		return
	}
	s, ok := h.session(w, req.SessionID)
	if !ok {
		return
	}

	if !s.SubmitInput(req.Value) {
		writeErr(w, http.StatusBadRequest, "no input pending")
		return
	}
	writeOK(w, map[string]any{"accepted": true})
}

type notifyCodeRequest struct {
	Message  string `json:"message"`
	Username string `json:"username,omitempty"`
}

// notifyCode ingests an out-of-band notification (SMS relay, mail hook)
// that may carry a passcode.
func (h *Handler) notifyCode(w http.ResponseWriter, r *http.Request) {
	var req notifyCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeErr(w, http.StatusBadRequest, "message is required")
		return
	}

	queued, err := h.bridge.RouteNotification(r.Context(), req.Message, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, otp.ErrNoCode) {
			writeErr(w, http.StatusBadRequest, "no code found in message")
			return
		}
		h.log.Error("notification routing failed", logx.Err(err))
		writeErr(w, http.StatusInternalServerError, "routing failed")
		return
	}
	writeOK(w, map[string]any{"queued": queued})
}

type logoutRequest struct {
	SessionID  string `json:"sessionId"`
	DeleteData bool   `json:"deleteData,omitempty"`
}

// logout is idempotent: closing an unknown or already-closed session
// succeeds.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeErr(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	h.reg.Logout(r.Context(), req.SessionID, req.DeleteData)
	writeOK(w, map[string]any{"closed": true})
}

func (h *Handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	s, ok := h.sessionFromQuery(w, r)
	if !ok {
		return
	}
	authed := s.State() == session.StateAuthenticated
	resp := map[string]any{
		"state":         s.State().String(),
		"authenticated": authed,
		"stats":         s.Stats(),
	}
	if authed {
		resp["authenticatedAt"] = s.AuthenticatedAt()
	}
	writeOK(w, resp)
}

func (h *Handler) recentTransfers(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	entries, err := h.store.RecentTransfers(r.Context(), n)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			writeErr(w, http.StatusServiceUnavailable, "storage disabled")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]any{"transfers": entries})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"sessions": h.reg.Count()})
}

// sessionFromQuery resolves ?sessionId= and bumps activity.
func (h *Handler) sessionFromQuery(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	return h.session(w, r.URL.Query().Get("sessionId"))
}

func (h *Handler) session(w http.ResponseWriter, id string) (*session.Session, bool) {
	if strings.TrimSpace(id) == "" {
		writeErr(w, http.StatusBadRequest, "sessionId is required")
		return nil, false
	}
	s, err := h.reg.Get(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	h.reg.Touch(s)
	return s, true
}
