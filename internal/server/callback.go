package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/converse-ai/converse/internal/fanout"
	"github.com/converse-ai/converse/internal/logging"
	"github.com/converse-ai/converse/internal/protocol"
	"github.com/converse-ai/converse/internal/state"
	"github.com/converse-ai/converse/pkg/types"
)

// callbackHandler receives asynchronous answers pushed by external
// agents and fans them out to the session's subscribers.
type callbackHandler struct {
	store *state.Store
	fan   *fanout.Registry
}

func newCallbackHandler(store *state.Store, fan *fanout.Registry) *callbackHandler {
	return &callbackHandler{store: store, fan: fan}
}

// callbackBody is what an external agent posts back.
type callbackBody struct {
	Text string `json:"text"`
}

func (h *callbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, ok := h.store.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "unknown session")
		return
	}
	if sess.Deleted() {
		writeError(w, http.StatusGone, "SESSION_DELETED", "session is deleted")
		return
	}

	var body callbackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "malformed body")
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "text required")
		return
	}

	msg := types.ChatMessage{
		ID:        ulid.Make().String(),
		Role:      types.RoleAssistant,
		Text:      body.Text,
		CreatedAt: time.Now().UnixMilli(),
	}
	sess.AppendMessage(msg)

	h.fan.Broadcast(sessionID, &protocol.Done{
		Type:       protocol.MsgDone,
		SessionID:  sessionID,
		ResponseID: msg.ID,
		Text:       body.Text,
	})

	logging.Debug().Str("sessionID", sessionID).Msg("external agent callback delivered")
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}
