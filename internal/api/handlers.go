package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"chatok/internal/auth"
	"chatok/internal/content"
	"chatok/internal/filestore"
	"chatok/internal/membership"
	"chatok/internal/models"
	"chatok/internal/storage"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const maxAvatarSize = 5 << 20 // 5 MiB

type API struct {
	auth    *auth.AuthService
	store   *storage.BboltStorage
	files   filestore.FileStore
	baseURL string
}

func New(authService *auth.AuthService, store *storage.BboltStorage, files filestore.FileStore, baseURL string) *API {
	return &API{
		auth:    authService,
		store:   store,
		files:   files,
		baseURL: baseURL,
	}
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user models.User)

// RequireAuth resolves the bearer token before the handler runs.
func (a *API) RequireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := a.auth.Authenticate(a.getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, user)
	}
}

func (a *API) getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	return r.Header.Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

type userResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
	Token     string `json:"token,omitempty"`
}

// RegisterHandler creates a user and logs them straight in.
func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Pic      string `json:"pic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, err := a.auth.Register(content.Sanitize(req.Name), req.Email, req.Password, req.Pic)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			http.Error(w, "User already exists", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, token, err := a.auth.Login(req.Email, req.Password)
	if err != nil {
		http.Error(w, "Registration succeeded but login failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, userResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Token:     token,
	})
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	user, token, err := a.auth.Login(req.Email, req.Password)
	if err != nil {
		http.Error(w, "Invalid email or password", http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		ID:        user.ID,
		Name:      user.Name,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Token:     token,
	})
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if token := a.getToken(r); token != "" {
		_ = a.auth.Logoff(token)
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	writeJSON(w, http.StatusOK, user)
}

// SearchUsersHandler implements GET /api/user?search=.
func (a *API) SearchUsersHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	users, err := a.store.SearchUsers(r.URL.Query().Get("search"), user.ID)
	if err != nil {
		http.Error(w, "Failed to search users", http.StatusInternalServerError)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		Name string `json:"name"`
		Pic  string `json:"pic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := a.store.UpdateUserProfile(user.ID, content.Sanitize(req.Name), req.Pic)
	if err != nil {
		http.Error(w, "Failed to update profile", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// UploadAvatarHandler accepts a multipart image upload, verifies it really
// is an image, and stores it content-addressed.
func (a *API) UploadAvatarHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	if err := r.ParseMultipartForm(maxAvatarSize); err != nil {
		http.Error(w, "Invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("avatar")
	if err != nil {
		http.Error(w, "Missing avatar file", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxAvatarSize+1))
	if err != nil {
		http.Error(w, "Failed to read file", http.StatusBadRequest)
		return
	}
	if len(data) > maxAvatarSize {
		http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
		return
	}

	kind, err := filetype.Match(data)
	if err != nil || !filetype.IsImage(data) {
		http.Error(w, "File is not an image", http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if err := a.files.Save(bytes.NewReader(data), hash); err != nil {
		http.Error(w, "Failed to store file", http.StatusInternalServerError)
		return
	}

	dbFile := storage.DBFile{
		ID:       uuid.NewString(),
		Hash:     hash,
		MimeType: kind.MIME.Value,
		Name:     header.Filename,
	}
	if err := a.store.PutFile(dbFile); err != nil {
		http.Error(w, "Failed to store file metadata", http.StatusInternalServerError)
		return
	}

	avatarURL := fmt.Sprintf("%s/api/images/%s", a.baseURL, dbFile.ID)
	updated, err := a.store.UpdateUserProfile(user.ID, "", avatarURL)
	if err != nil {
		http.Error(w, "Failed to update avatar", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) GetImageHandler(w http.ResponseWriter, r *http.Request) {
	file, err := a.store.GetFile(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	rc, err := a.files.Open(file.Hash)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", file.MimeType)
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("failed to serve image %s: %v", file.ID, err)
	}
}

// ChatsHandler lists the chats the user is a member of, members resolved.
func (a *API) ChatsHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	chats, err := a.store.ListChats(user.ID)
	if err != nil {
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}

	wire := make([]models.WireChat, 0, len(chats))
	for _, chat := range chats {
		wire = append(wire, a.wireChat(chat))
	}
	writeJSON(w, http.StatusOK, wire)
}

// CreateDirectChatHandler resolves the unique direct chat with another
// user, creating it if this is the first contact.
func (a *API) CreateDirectChatHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}
	if _, err := a.store.GetUser(req.UserID); err != nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}

	chat, err := a.store.FindOrCreateDirectChat(user.ID, req.UserID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, a.wireChat(chat))
}

func (a *API) CreateGroupChatHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		Name  string   `json:"name"`
		Users []string `json:"users"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	chat, err := a.store.CreateGroupChat(user.ID, content.Sanitize(req.Name), req.Users)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, a.wireChat(chat))
}

func (a *API) RenameGroupHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		ChatID   string `json:"chatId"`
		ChatName string `json:"chatName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		http.Error(w, "chatId and chatName are required", http.StatusBadRequest)
		return
	}

	chat, err := a.store.RenameChat(req.ChatID, content.Sanitize(req.ChatName))
	if err != nil {
		a.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.wireChat(chat))
}

func (a *API) GroupAddHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	a.groupMemberChange(w, r, a.store.AddChatMember)
}

func (a *API) GroupRemoveHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	a.groupMemberChange(w, r, a.store.RemoveChatMember)
}

func (a *API) groupMemberChange(w http.ResponseWriter, r *http.Request, change func(chatID, userID string) (models.Chat, error)) {
	var req struct {
		ChatID string `json:"chatId"`
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" || req.UserID == "" {
		http.Error(w, "chatId and userId are required", http.StatusBadRequest)
		return
	}

	chat, err := change(req.ChatID, req.UserID)
	if err != nil {
		a.chatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.wireChat(chat))
}

// MessagesHandler returns the full ordered history of a chat. This is the
// history fetch the real-time layer relies on: events missed while offline
// are only ever recovered here.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	chatID := r.PathValue("chatId")
	chat, err := a.store.GetChat(chatID)
	if err != nil {
		a.chatError(w, err)
		return
	}
	if !membership.IsMember(chat, user.ID) {
		http.Error(w, "Not a member of this chat", http.StatusForbidden)
		return
	}

	messages, err := a.store.ListMessages(chatID)
	if err != nil {
		http.Error(w, "Failed to list messages", http.StatusInternalServerError)
		return
	}

	wireChat := a.wireChat(chat)
	senders := make(map[string]models.WireUser, len(wireChat.Users))
	for _, u := range wireChat.Users {
		senders[u.ID] = u
	}

	wire := make([]models.WireMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, models.WireMessage{
			ID:        m.ID,
			Content:   m.Content,
			HTML:      m.HTML,
			CreatedAt: m.CreatedAt,
			Sender:    senders[m.SenderID],
			Chat:      wireChat,
		})
	}
	writeJSON(w, http.StatusOK, wire)
}

// CreateMessageHandler persists a message and returns its resolved wire
// form. The client emits new_message over the socket only after the 201,
// so a message that failed to persist is never broadcast.
func (a *API) CreateMessageHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		Content string `json:"content"`
		ChatID  string `json:"chatId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := content.ValidateContent(req.Content); err != nil {
		http.Error(w, "Please provide all required fields", http.StatusBadRequest)
		return
	}

	html, err := content.ToHTML(req.Content)
	if err != nil {
		http.Error(w, "Failed to render message", http.StatusBadRequest)
		return
	}

	msg, err := a.store.CreateMessage(user.ID, req.ChatID, req.Content, html)
	if err != nil {
		if errors.Is(err, models.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	chat, err := a.store.GetChat(msg.ChatID)
	if err != nil {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusCreated, models.WireMessage{
		ID:        msg.ID,
		Content:   msg.Content,
		HTML:      msg.HTML,
		CreatedAt: msg.CreatedAt,
		Sender: models.WireUser{
			ID:        user.ID,
			Name:      user.Name,
			AvatarURL: user.AvatarURL,
		},
		Chat: a.wireChat(chat),
	})
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		ChatID     string   `json:"chatId"`
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChatID == "" {
		http.Error(w, "chatId and messageIds are required", http.StatusBadRequest)
		return
	}

	if err := a.store.MarkRead(req.ChatID, req.MessageIDs, user.ID); err != nil {
		a.chatError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// PushSubscribeHandler stores a browser push subscription for the user.
func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request, user models.User) {
	var req struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		http.Error(w, "endpoint and keys are required", http.StatusBadRequest)
		return
	}

	err := a.store.UpsertPushSubscription(storage.DBPushSubscription{
		UserID:   user.ID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		http.Error(w, "Failed to store subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (a *API) chatError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrChatNotFound) {
		http.Error(w, "Chat Not Found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// wireChat resolves a chat's member ids to user projections. Members that
// fail to resolve are carried as bare ids rather than dropped, so the
// membership set stays intact on the wire.
func (a *API) wireChat(chat models.Chat) models.WireChat {
	wire := models.WireChat{
		ID:   chat.ID,
		Kind: chat.Kind,
		Name: chat.Name,
	}
	for _, id := range chat.MemberIDs {
		u, err := a.store.GetUser(id)
		if err != nil {
			wire.Users = append(wire.Users, models.WireUser{ID: id})
			continue
		}
		wire.Users = append(wire.Users, models.WireUser{
			ID:        u.ID,
			Name:      u.Name,
			AvatarURL: u.AvatarURL,
		})
	}
	return wire
}
