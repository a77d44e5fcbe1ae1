package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/heartline/internal/auth"
	"github.com/heartline/internal/model"
	"github.com/heartline/internal/repository"
)

type AuthHandler struct {
	userRepo *repository.UserRepository
	issuer   *auth.TokenIssuer
}

func NewAuthHandler(userRepo *repository.UserRepository, issuer *auth.TokenIssuer) *AuthHandler {
	return &AuthHandler{userRepo: userRepo, issuer: issuer}
}

type loginRequest struct {
	Username string `json:"username"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// Login выдаёт токен сессии. Пользователь создаётся при первом входе.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username required")
		return
	}

	user, err := h.userRepo.GetOrCreateByUsername(r.Context(), req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}
	token, err := h.issuer.Issue(user.ID, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: *user})
}
