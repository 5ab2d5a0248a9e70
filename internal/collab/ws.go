package collab

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/filebox/filebox/backend-go/internal/auth"
	"github.com/filebox/filebox/backend-go/internal/typeid"
)

// TokenValidator resolves the token a browser passes on the websocket URL.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// ServeWS upgrades /ws/items/{itemId}?token=... connections. Requests
// without a valid token are rejected with 401 before any session work.
func (h *Hub) ServeWS(validator TokenValidator, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := mux.Vars(r)["itemId"]
		if itemID == "" {
			http.Error(w, "missing item id", http.StatusBadRequest)
			return
		}

		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		id, err := validator.ValidateToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			slog.Error("websocket accept", "error", err)
			return
		}

		client := NewClient(h, conn, typeid.NewConnectionID(), id.UserID, id.DisplayName, itemID)
		h.Register(client)

		ctx := r.Context()
		go client.WritePump(ctx)
		client.ReadPump(ctx)
	}
}
