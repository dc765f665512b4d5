package ws

import (
	"log"
	"net/http"
	"strings"

	"chatok/internal/models"
	"chatok/internal/registry"
	"chatok/internal/router"

	"github.com/gorilla/websocket"
)

type authenticator interface {
	Authenticate(token string) (models.User, error)
}

type Server struct {
	auth     authenticator
	reg      *registry.Registry
	router   *router.Router
	upgrader *websocket.Upgrader
}

func NewServer(auth authenticator, reg *registry.Registry, rt *router.Router) *Server {
	return &Server{
		auth:   auth,
		reg:    reg,
		router: rt,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// HandleConnections authenticates the handshake, upgrades, and runs the
// connection until it closes. An invalid token is refused before upgrade;
// no event processing occurs for unauthenticated sockets.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("error upgrading to websocket: %v", err)
		return
	}

	conn := NewConnection(s.reg, s.router, ws, identity)
	if err := conn.Handle(r.Context()); err != nil {
		log.Printf("websocket connection closed with error: %v", err)
	}
}

// bearerToken extracts the token from the Authorization header, the token
// header, or the token query parameter (browser websocket clients cannot
// set custom headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(strings.ToLower(h), "bearer ") {
			return strings.TrimSpace(h[len("bearer "):])
		}
	}
	if t := r.Header.Get("token"); t != "" {
		return t
	}
	return r.URL.Query().Get("token")
}
