package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/heartline/internal/middleware"
	"github.com/heartline/internal/repository"
)

type MessageHandler struct {
	msgRepo   *repository.MessageRepository
	roomRepo  *repository.RoomRepository
	reactRepo *repository.ReactionRepository
}

func NewMessageHandler(
	msgRepo *repository.MessageRepository,
	roomRepo *repository.RoomRepository,
	reactRepo *repository.ReactionRepository,
) *MessageHandler {
	return &MessageHandler{msgRepo: msgRepo, roomRepo: roomRepo, reactRepo: reactRepo}
}

// GetMessages отдаёт страницу истории комнаты для восстановления проекции после reconnect.
func (h *MessageHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	userID := middleware.GetUserID(r.Context())

	isMember, err := h.roomRepo.IsMember(r.Context(), roomID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit > 100 {
		limit = 100
	}

	messages, err := h.msgRepo.GetRoomMessages(r.Context(), roomID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}

	// Enrich with reactions
	for i := range messages {
		reactions, err := h.reactRepo.GetByMessage(r.Context(), messages[i].ID)
		if err == nil && len(reactions) > 0 {
			messages[i].Reactions = reactions
		}
	}

	writeJSON(w, http.StatusOK, messages)
}

// GetReactions отдаёт агрегированные реакции сообщения (по убыванию количества).
func (h *MessageHandler) GetReactions(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	groups, err := h.reactRepo.GetGroupedByMessage(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get reactions")
		return
	}
	writeJSON(w, http.StatusOK, groups)
}
