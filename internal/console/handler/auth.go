package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/xela07ax/a2a-coord/internal/console/service"
	"github.com/xela07ax/a2a-coord/internal/domain"
)

type AuthHandler struct {
	service *service.AuthService
}

func NewAuthHandler(s *service.AuthService) *AuthHandler {
	return &AuthHandler{service: s}
}

// Login — единственный публичный POST консоли, поэтому тело
// ограничиваем заранее: до bcrypt дойдет не больше мегабайта.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds domain.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&creds); err != nil {
		http.Error(w, "malformed login payload", http.StatusBadRequest)
		return
	}

	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		// Пустые креды отклоняем тем же ответом, что и неверные
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token, err := h.service.GenerateToken(r.Context(), creds.Username, creds.Password)
	if err != nil {
		// Не уточняем, что именно неверно (логин или пароль)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(token)
}
