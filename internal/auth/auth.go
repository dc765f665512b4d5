package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatok/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 24 * time.Hour

	defaultAvatarURL = "https://icon-library.com/images/anonymous-avatar-icon/anonymous-avatar-icon-25.jpg"
)

var (
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserCredentials is the stored form of a user, password hash included.
type UserCredentials struct {
	models.User
	PasswordHash string `json:"-"`
}

// Store persists user credentials. Implemented by internal/storage.
type Store interface {
	UpsertCredentials(credentials UserCredentials) error
	GetCredentialsByEmail(email string) (UserCredentials, error)
	GetUser(id string) (models.User, error)
}

type Config struct {
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.TokenExpiry < 0 {
		return errors.New("token expiry must not be negative")
	}
	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}
	return nil
}

// AuthService issues opaque bearer tokens kept in a TTL cache and resolves
// them back to identities. It is the identity collaborator of the real-time
// layer: a connection that fails Authenticate is refused before any event
// processing occurs.
type AuthService struct {
	Config
	store      Store
	liveTokens geche.Geche[string, string]
}

func NewAuthService(ctx context.Context, config Config, store Store) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		store:      store,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
	}, nil
}

// Register creates a new user with a bcrypt password hash. The email is the
// login key and must be unique.
func (as *AuthService) Register(name, email, password, avatarURL string) (models.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || email == "" || password == "" {
		return models.User{}, errors.New("name, email and password are required")
	}

	if _, err := as.store.GetCredentialsByEmail(email); err == nil {
		return models.User{}, ErrUserExists
	} else if !errors.Is(err, models.ErrNotFound) {
		return models.User{}, fmt.Errorf("failed to check existing user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	if avatarURL == "" {
		avatarURL = defaultAvatarURL
	}

	user := models.User{
		ID:        uuid.NewString(),
		Name:      name,
		Email:     email,
		AvatarURL: avatarURL,
	}
	if err := as.store.UpsertCredentials(UserCredentials{
		User:         user,
		PasswordHash: string(hash),
	}); err != nil {
		return models.User{}, fmt.Errorf("failed to store user: %w", err)
	}

	return user, nil
}

// Login verifies the password and issues a live token for the user.
func (as *AuthService) Login(email, password string) (models.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	creds, err := as.store.GetCredentialsByEmail(email)
	if err != nil {
		// Same failure shape for unknown user and bad password.
		return models.User{}, "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)); err != nil {
		return models.User{}, "", ErrInvalidCredentials
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", creds.ID, "error", err)
		return models.User{}, "", fmt.Errorf("failed to issue token: %w", err)
	}
	as.liveTokens.Set(token, creds.ID)

	return creds.User, token, nil
}

// Authenticate resolves a bearer token to its identity.
func (as *AuthService) Authenticate(token string) (models.User, error) {
	if token == "" {
		return models.User{}, ErrInvalidToken
	}
	userID, err := as.liveTokens.Get(token)
	if err != nil {
		return models.User{}, ErrInvalidToken
	}
	user, err := as.store.GetUser(userID)
	if err != nil {
		return models.User{}, ErrInvalidToken
	}
	return user, nil
}

func (as *AuthService) Logoff(token string) error {
	return as.liveTokens.Del(token)
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
