package handler

import (
	"context"
	"net/http"

	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/model"
)

// AuthBackend: операции входа backend.Client.
type AuthBackend interface {
	SignUp(ctx context.Context, email, password, name string) (*model.AuthSession, error)
	SignIn(ctx context.Context, email, password string) (*model.AuthSession, error)
	SignOut(ctx context.Context, token string) error
	GetSession(ctx context.Context, token string) (*model.AuthSession, error)
	UpdateUserStatus(ctx context.Context, userID string, status model.UserStatus) error
}

type AuthHandler struct {
	backend AuthBackend
}

func NewAuthHandler(b AuthBackend) *AuthHandler {
	return &AuthHandler{backend: b}
}

type SignUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := h.backend.SignUp(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeBackendError(w, "sign up", err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// SignIn открывает сессию и отмечает пользователя online.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := h.backend.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeBackendError(w, "sign in", err)
		return
	}
	if err := h.backend.UpdateUserStatus(r.Context(), sess.User.ID, model.StatusOnline); err != nil {
		writeBackendError(w, "update status", err)
		return
	}
	sess.User.Status = model.StatusOnline
	writeJSON(w, http.StatusOK, sess)
}

// SignOut: сначала offline (дожидаемся), затем отзыв сессии.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if err := h.backend.UpdateUserStatus(r.Context(), userID, model.StatusOffline); err != nil {
		writeBackendError(w, "update status", err)
		return
	}
	if err := h.backend.SignOut(r.Context(), middleware.GetToken(r.Context())); err != nil {
		writeBackendError(w, "sign out", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess, err := h.backend.GetSession(r.Context(), middleware.GetToken(r.Context()))
	if err != nil {
		writeBackendError(w, "get session", err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
