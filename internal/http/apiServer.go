package http

import (
	"chatok/internal/api"
	"chatok/internal/auth"
	"chatok/internal/filestore"
	"chatok/internal/registry"
	"chatok/internal/router"
	"chatok/internal/storage"
	"chatok/internal/ws"
	"context"
	"log"
	"net/http"
	"sync"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(
	authService *auth.AuthService,
	reg *registry.Registry,
	rt *router.Router,
	files filestore.FileStore,
	store *storage.BboltStorage,
	addr string,
	baseURL string,
) *APIServer {
	wsServer := ws.NewServer(authService, reg, rt)
	apiHandlers := api.New(authService, store, files, baseURL)

	mux := http.NewServeMux()

	// Account endpoints
	mux.HandleFunc("POST /api/user", apiHandlers.RegisterHandler)
	mux.HandleFunc("POST /api/user/login", apiHandlers.LoginHandler)
	mux.HandleFunc("POST /api/logoff", apiHandlers.RequireAuth(apiHandlers.LogoffHandler))
	mux.HandleFunc("GET /api/me", apiHandlers.RequireAuth(apiHandlers.MeHandler))
	mux.HandleFunc("GET /api/user", apiHandlers.RequireAuth(apiHandlers.SearchUsersHandler))
	mux.HandleFunc("PUT /api/user/profile", apiHandlers.RequireAuth(apiHandlers.UpdateProfileHandler))
	mux.HandleFunc("POST /api/user/avatar", apiHandlers.RequireAuth(apiHandlers.UploadAvatarHandler))
	mux.HandleFunc("GET /api/images/{id}", apiHandlers.GetImageHandler)

	// Chat endpoints
	mux.HandleFunc("GET /api/chat", apiHandlers.RequireAuth(apiHandlers.ChatsHandler))
	mux.HandleFunc("POST /api/chat", apiHandlers.RequireAuth(apiHandlers.CreateDirectChatHandler))
	mux.HandleFunc("POST /api/chat/group", apiHandlers.RequireAuth(apiHandlers.CreateGroupChatHandler))
	mux.HandleFunc("PUT /api/chat/rename", apiHandlers.RequireAuth(apiHandlers.RenameGroupHandler))
	mux.HandleFunc("PUT /api/chat/groupadd", apiHandlers.RequireAuth(apiHandlers.GroupAddHandler))
	mux.HandleFunc("PUT /api/chat/groupremove", apiHandlers.RequireAuth(apiHandlers.GroupRemoveHandler))

	// Message endpoints
	mux.HandleFunc("GET /api/message/{chatId}", apiHandlers.RequireAuth(apiHandlers.MessagesHandler))
	mux.HandleFunc("POST /api/message", apiHandlers.RequireAuth(apiHandlers.CreateMessageHandler))
	mux.HandleFunc("PUT /api/message/read", apiHandlers.RequireAuth(apiHandlers.MarkReadHandler))

	// Web push endpoint
	mux.HandleFunc("POST /api/push/subscribe", apiHandlers.RequireAuth(apiHandlers.PushSubscribeHandler))

	// WebSocket endpoint
	mux.HandleFunc("/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":5000"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	log.Printf("Server started on %s", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
