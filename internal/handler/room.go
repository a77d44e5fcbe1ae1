package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/heartline/internal/middleware"
	"github.com/heartline/internal/model"
	"github.com/heartline/internal/repository"
)

// maxRetentionSeconds ограничивает окно хранения эфемерных комнат (сутки).
const maxRetentionSeconds = 24 * 3600

type RoomHandler struct {
	roomRepo *repository.RoomRepository
	userRepo *repository.UserRepository
}

func NewRoomHandler(roomRepo *repository.RoomRepository, userRepo *repository.UserRepository) *RoomHandler {
	return &RoomHandler{roomRepo: roomRepo, userRepo: userRepo}
}

type createRoomRequest struct {
	Name             string `json:"name"`
	Ephemeral        bool   `json:"ephemeral"`
	RetentionSeconds int    `json:"retention_seconds"`
}

func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Ephemeral {
		if req.RetentionSeconds <= 0 {
			req.RetentionSeconds = 30
		}
		if req.RetentionSeconds > maxRetentionSeconds {
			req.RetentionSeconds = maxRetentionSeconds
		}
	} else {
		req.RetentionSeconds = 0
	}

	room := &model.Room{
		ID:               uuid.New().String(),
		Name:             req.Name,
		CreatedBy:        userID,
		Ephemeral:        req.Ephemeral,
		RetentionSeconds: req.RetentionSeconds,
		CreatedAt:        time.Now().UTC(),
	}
	if err := h.roomRepo.Create(r.Context(), room); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create room")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *RoomHandler) GetUserRooms(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	rooms, err := h.roomRepo.GetUserRooms(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get rooms")
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

// AddMember добавляет участника. Добавлять может только действующий участник.
func (h *RoomHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	actorID := middleware.GetUserID(r.Context())

	isMember, err := h.roomRepo.IsMember(r.Context(), roomID, actorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return
	}
	if !isMember {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}

	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if _, err := h.userRepo.GetByID(r.Context(), req.UserID); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	if err := h.roomRepo.AddMember(r.Context(), roomID, req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to add member")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
