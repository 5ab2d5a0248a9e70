package presence

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/filebox/filebox/backend-go/internal/auth"
	"github.com/filebox/filebox/backend-go/internal/httpjson"
)

type Handler struct {
	tracker *Tracker
}

func NewHandler(tracker *Tracker) *Handler {
	return &Handler{tracker: tracker}
}

type updateRequest struct {
	Status         string `json:"status"`
	ActiveSession  string `json:"activeSession"`
	ActiveDocument string `json:"activeDocument"`
}

// Update handles PUT /api/presence for the calling user.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFromContext(r.Context())

	var req updateRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		httpjson.Error(w, err)
		return
	}

	p, err := h.tracker.UpdatePresence(r.Context(), userID, status, req.ActiveSession, req.ActiveDocument)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, p)
}

// Get handles GET /api/presence/{userId}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.tracker.GetPresence(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, p)
}
