package comment

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

type createRequest struct {
	Content string `json:"content"`
	Anchor  Anchor `json:"anchor"`
}

type replyRequest struct {
	Content string `json:"content"`
}

// Create handles POST /api/items/{itemId}/comments.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}

	c, err := h.manager.CreateComment(r.Context(), mux.Vars(r)["itemId"], auth.UserIDFromContext(r.Context()), req.Content, req.Anchor)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, c)
}

// List handles GET /api/items/{itemId}/comments.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.manager.GetCommentsForItem(r.Context(), mux.Vars(r)["itemId"])
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, items)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.GetComment(r.Context(), mux.Vars(r)["commentId"])
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, c)
}

// Reply handles POST /api/comments/{commentId}/replies.
func (h *Handler) Reply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := httpjson.Decode(r, &req); err != nil {
		httpjson.Error(w, err)
		return
	}

	c, err := h.manager.AddReply(r.Context(), mux.Vars(r)["commentId"], auth.UserIDFromContext(r.Context()), req.Content)
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusCreated, c)
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.ResolveComment(r.Context(), mux.Vars(r)["commentId"])
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, c)
}

func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	c, err := h.manager.ReopenComment(r.Context(), mux.Vars(r)["commentId"])
	if err != nil {
		httpjson.Error(w, err)
		return
	}
	httpjson.Write(w, http.StatusOK, c)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteComment(r.Context(), mux.Vars(r)["commentId"]); err != nil {
		httpjson.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers the comment endpoints on r.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/items/{itemId}/comments", h.List).Methods("GET")
	r.HandleFunc("/items/{itemId}/comments", h.Create).Methods("POST")
	r.HandleFunc("/comments/{commentId}", h.Get).Methods("GET")
	r.HandleFunc("/comments/{commentId}", h.Delete).Methods("DELETE")
	r.HandleFunc("/comments/{commentId}/replies", h.Reply).Methods("POST")
	r.HandleFunc("/comments/{commentId}/resolve", h.Resolve).Methods("POST")
	r.HandleFunc("/comments/{commentId}/reopen", h.Reopen).Methods("POST")
}
