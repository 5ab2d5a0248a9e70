package document

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/filebox/filebox/backend-go/internal/apperr"
	"github.com/filebox/filebox/backend-go/internal/httpjson"
	"github.com/filebox/filebox/backend-go/internal/ot"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

type stateResponse struct {
	ItemID       string `json:"itemId"`
	Version      int64  `json:"version"`
	Content      string `json:"content"`
	LastModified string `json:"lastModified"`
}

type operationsResponse struct {
	ItemID     string         `json:"itemId"`
	Since      int64          `json:"since"`
	Operations []ot.Operation `json:"operations"`
}

// Get handles GET /api/items/{itemId}/document.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]

	st, err := h.store.GetDocumentState(r.Context(), itemID)
	if err != nil {
		httpjson.Error(w, err)
		return
	}

	httpjson.Write(w, http.StatusOK, stateResponse{
		ItemID:       st.ItemID,
		Version:      st.Version,
		Content:      st.Content,
		LastModified: st.LastModified.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

// Operations handles GET /api/items/{itemId}/operations?since=N.
func (h *Handler) Operations(w http.ResponseWriter, r *http.Request) {
	itemID := mux.Vars(r)["itemId"]

	since, err := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if err != nil {
		httpjson.Error(w, apperr.Invalid("document.Operations", "since must be an integer version"))
		return
	}

	ops, err := h.store.GetOperationsSince(r.Context(), itemID, since)
	if err != nil {
		httpjson.Error(w, err)
		return
	}

	httpjson.Write(w, http.StatusOK, operationsResponse{ItemID: itemID, Since: since, Operations: ops})
}
