package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendchat/internal/middleware"
	"github.com/friendchat/internal/model"
)

// FriendsBackend: чтение друзей и переписки.
type FriendsBackend interface {
	GetFriends(ctx context.Context, userID string) ([]model.Friendship, error)
	GetMessages(ctx context.Context, userID, friendID string) ([]model.Message, error)
}

type FriendsHandler struct {
	backend FriendsBackend
}

func NewFriendsHandler(b FriendsBackend) *FriendsHandler {
	return &FriendsHandler{backend: b}
}

func (h *FriendsHandler) List(w http.ResponseWriter, r *http.Request) {
	friends, err := h.backend.GetFriends(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeBackendError(w, "get friends", err)
		return
	}
	for i := range friends {
		friends[i].Friend.AvatarURL = friends[i].Friend.Avatar()
	}
	if friends == nil {
		friends = []model.Friendship{}
	}
	writeJSON(w, http.StatusOK, friends)
}

// Messages: вся переписка с другом по возрастанию времени. Не-друг получает 404.
func (h *FriendsHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	friendID := chi.URLParam(r, "friendId")
	friends, err := h.backend.GetFriends(ctx, userID)
	if err != nil {
		writeBackendError(w, "get friends", err)
		return
	}
	if !hasFriend(friends, friendID) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	messages, err := h.backend.GetMessages(ctx, userID, friendID)
	if err != nil {
		writeBackendError(w, "get messages", err)
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func hasFriend(friends []model.Friendship, id string) bool {
	for _, f := range friends {
		if f.FriendID == id {
			return true
		}
	}
	return false
}
