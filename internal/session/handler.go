package session

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/filebox/filebox/backend-go/internal/auth"
	"github.com/filebox/filebox/backend-go/internal/httpjson"
)

type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

type joinResponse struct {
	Session     *Session     `json:"session"`
	Participant *Participant `json:"participant"`
}

// Join handles POST /api/items/{itemId}/sessions.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	s, p, err := h.manager.JoinSession(r.Context(), mux.Vars(r)["itemId"], id.UserID, id.DisplayName)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, joinResponse{Session: s, Participant: p})
}

// Leave handles DELETE /api/sessions/{sessionId}/participants/{participantId}.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.manager.LeaveSession(r.Context(), vars["sessionId"], vars["participantId"]); err != nil {
		httpjson.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.manager.GetSession(mux.Vars(r)["sessionId"])
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, s)
}

// ActiveForItem handles GET /api/items/{itemId}/sessions/active.
func (h *Handler) ActiveForItem(w http.ResponseWriter, r *http.Request) {
	s, ok := h.manager.FindActiveSessionForItem(mux.Vars(r)["itemId"])
	if !ok {
		httpjson.Message(w, http.StatusNotFound, "no active session")
		return
	}
	httpjson.Write(w, http.StatusOK, s)
}

func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	httpjson.Write(w, http.StatusOK, map[string]int{
		"count": h.manager.ParticipantCount(mux.Vars(r)["sessionId"]),
	})
}
