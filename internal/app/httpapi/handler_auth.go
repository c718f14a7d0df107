package httpapi

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/shopfront/internal/app/domain/session"
	internalhttputil "github.com/R3E-Network/shopfront/internal/httputil"
	"github.com/R3E-Network/shopfront/internal/middleware"
)

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := internalhttputil.DecodeJSON(w, r, &payload); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}

	u, err := h.app.Auth.Register(r.Context(), payload.Email, payload.Password, payload.Name)
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusCreated, u)
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		DeviceID   string `json:"device_id"`
		DeviceName string `json:"device_name"`
	}
	if err := internalhttputil.DecodeJSON(w, r, &payload); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	if payload.DeviceID == "" {
		payload.DeviceID = r.Header.Get("X-Device-ID")
	}

	result, err := h.app.Auth.Login(r.Context(), payload.Email, payload.Password, session.Device{
		ID:        payload.DeviceID,
		Name:      payload.DeviceName,
		UserAgent: r.UserAgent(),
		IPAddress: remoteIP(r),
	})
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, result)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := internalhttputil.DecodeJSON(w, r, &payload); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}

	pair, err := h.app.Auth.Refresh(r.Context(), payload.RefreshToken)
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, pair)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.app.Auth.Logout(ctx, middleware.GetUserID(ctx), middleware.GetSessionID(ctx)); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, map[string]bool{"logged_out": true})
}

func (h *handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.app.Auth.LogoutAll(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, map[string]int{"revoked": n})
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	u, err := h.app.Auth.Me(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, u)
}

type sessionView struct {
	session.Session
	Current bool `json:"current"`
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := h.app.Auth.ListSessions(ctx, middleware.GetUserID(ctx))
	if err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	current := middleware.GetSessionID(ctx)
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, sessionView{Session: s, Current: s.ID == current})
	}
	internalhttputil.WriteSuccess(w, r, http.StatusOK, out)
}

func (h *handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.app.Auth.RevokeSession(r.Context(), middleware.GetUserID(r.Context()), id); err != nil {
		internalhttputil.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// remoteIP prefers the first X-Forwarded-For hop over the socket address.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
