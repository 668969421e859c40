package handlers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/md-rashed-zaman/creatorhq/libs/httpx"
	"github.com/md-rashed-zaman/creatorhq/services/booking-service/internal/apperr"
)

func (h *Handler) CalendarConnect(w http.ResponseWriter, r *http.Request) {
	if h.deps.Calendar == nil || !h.deps.Calendar.Configured() {
		unavailable(w, "calendar integration")
		return
	}
	creatorID, err := creatorFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	authURL, err := h.deps.Calendar.AuthURL(creatorID)
	if err != nil {
		h.fail(w, r, apperr.Upstream("build auth url", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": authURL})
}

// CalendarCallback completes the OAuth flow. The browser always lands on the
// UI redirect; failures are only visible in logs.
func (h *Handler) CalendarCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.Calendar == nil || !h.deps.Calendar.Configured() {
		unavailable(w, "calendar integration")
		return
	}
	q := r.URL.Query()
	reqID := httpx.RequestIDFromContext(r.Context())

	if providerErr := strings.TrimSpace(q.Get("error")); providerErr != "" {
		h.logger.Warn("calendar consent denied", "oauth_error", providerErr, "request_id", reqID)
		h.redirectUI(w, r, "error", "true")
		return
	}
	creatorID, err := h.deps.Calendar.HandleCallback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		h.logger.Error("calendar callback failed", "err", err, "creator_id", creatorID, "request_id", reqID)
		h.redirectUI(w, r, "error", "true")
		return
	}
	h.redirectUI(w, r, "connected", "true")
}

func (h *Handler) CalendarStatus(w http.ResponseWriter, r *http.Request) {
	creatorID, err := creatorFrom(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if h.deps.Calendar == nil || !h.deps.Calendar.Configured() {
		httpx.WriteJSON(w, http.StatusOK, map[string]bool{"connected": false})
		return
	}
	st, err := h.deps.Calendar.Status(r.Context(), creatorID)
	if err != nil {
		h.fail(w, r, apperr.Upstream("calendar status", err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) redirectUI(w http.ResponseWriter, r *http.Request, key, value string) {
	target := h.deps.CalendarUIRedirect
	if target == "" {
		target = "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
