package presence

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filebox/filebox/backend-go/internal/auth"
)

func TestHandlerUpdateAndGet(t *testing.T) {
	h := NewHandler(NewTracker(NewMemoryStore()))
	r := mux.NewRouter()
	r.HandleFunc("/api/presence", h.Update).Methods("PUT")
	r.HandleFunc("/api/presence/{userId}", h.Get).Methods("GET")

	req := httptest.NewRequest("PUT", "/api/presence", strings.NewReader(`{"status":"busy","activeDocument":"item-1"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: "user-1"}))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/api/presence/user-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var p UserPresence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, StatusBusy, p.Status)
	assert.Equal(t, "item-1", p.ActiveDocument)

	req = httptest.NewRequest("PUT", "/api/presence", strings.NewReader(`{"status":"asleep"}`))
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: "user-1"}))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
