package auth

import "errors"

const (
	usersCollection       = "users"
	credentialsCollection = "credentials"
	sessionsCollection    = "sessions"
	emailsCollection      = "emails"
)

var (
	ErrMissingFields      = errors.New("email, username, password required")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("token invalid")
	ErrUserNotFound       = errors.New("user not found")
)

type User struct {
	UID       string `json:"uid"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photoURL"`
	CreatedAt int64  `json:"createdAt"`
}

type credential struct {
	UID          string `json:"uid"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
}

// emailIndex maps a normalized email to the account that claimed it.
type emailIndex struct {
	UID string `json:"uid"`
}

type session struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	ExpiresAt int64  `json:"expiresAt"`
	Revoked   bool   `json:"revoked"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ProfileUpdate carries the editable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Username *string `json:"username,omitempty"`
	PhotoURL *string `json:"photoURL,omitempty"`
}
