package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"artless-topics/internal/docstore"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 7 * 24 * time.Hour

	kindAccess  = "access"
	kindRefresh = "refresh"
)

// PostsCascade keeps the author fields copied into posts in sync with profile edits.
type PostsCascade interface {
	UpdatePostsUsername(ctx context.Context, userID, username string) error
	UpdatePostsProfilePicture(ctx context.Context, userID, photoURL string) error
}

type Service struct {
	secret   []byte
	store    docstore.Store
	posts    PostsCascade
	hashCost int
	now      func() time.Time
	logger   *slog.Logger
}

type Claims struct {
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

func NewService(secret string, store docstore.Store, posts PostsCascade, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		secret:   []byte(secret),
		store:    store,
		posts:    posts,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
		logger:   logger,
	}
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (User, TokenResponse, error) {
	email := normalizeEmail(req.Email)
	username := strings.TrimSpace(req.Username)
	if email == "" || username == "" || req.Password == "" {
		return User{}, TokenResponse{}, ErrMissingFields
	}

	uid, err := s.store.Push(ctx, usersCollection)
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	// The email index entry is the uniqueness guard: only one claimant wins.
	emailPath := docstore.Path(emailsCollection, emailKey(email))
	claimed, err := s.store.Create(ctx, emailPath, emailIndex{UID: uid})
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	if !claimed {
		return User{}, TokenResponse{}, ErrEmailTaken
	}

	user, err := s.createAccount(ctx, uid, email, username, req.Password)
	if err != nil {
		if rerr := s.store.Delete(ctx, emailPath); rerr != nil {
			s.logger.Error("release email claim", "user_id", uid, "error", rerr)
		}
		return User{}, TokenResponse{}, err
	}

	tokens, err := s.GenerateTokens(ctx, uid)
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	s.logger.Info("user registered", "user_id", uid)
	return user, tokens, nil
}

func (s *Service) createAccount(ctx context.Context, uid, email, username, password string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return User{}, err
	}

	user := User{
		UID:       uid,
		Email:     email,
		Username:  username,
		CreatedAt: s.now().UnixMilli(),
	}
	if err := s.store.Set(ctx, docstore.Path(usersCollection, uid), user); err != nil {
		return User{}, err
	}
	cred := credential{UID: uid, Email: email, PasswordHash: string(hash)}
	if err := s.store.Set(ctx, docstore.Path(credentialsCollection, uid), cred); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (User, TokenResponse, error) {
	cred, err := s.findCredential(ctx, normalizeEmail(req.Email))
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(req.Password)); err != nil {
		return User{}, TokenResponse{}, ErrInvalidCredentials
	}

	user, err := s.Me(ctx, cred.UID)
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	tokens, err := s.GenerateTokens(ctx, user.UID)
	if err != nil {
		return User{}, TokenResponse{}, err
	}
	return user, tokens, nil
}

func (s *Service) GenerateTokens(ctx context.Context, userID string) (TokenResponse, error) {
	access, err := s.signToken(userID, kindAccess, "", accessTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	sessionID := uuid.NewString()
	refresh, err := s.signToken(userID, kindRefresh, sessionID, refreshTokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}

	sess := session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: s.now().Add(refreshTokenTTL).UnixMilli(),
	}
	if err := s.store.Set(ctx, docstore.Path(sessionsCollection, sessionID), sess); err != nil {
		return TokenResponse{}, err
	}

	return TokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) ValidateRefreshToken(ctx context.Context, token string) (string, error) {
	claims, err := s.parseToken(token, kindRefresh)
	if err != nil {
		return "", err
	}

	sess, err := s.lookupSession(ctx, claims.ID)
	if err != nil {
		return "", err
	}
	if sess.UserID != claims.UserID || sess.Revoked || s.now().UnixMilli() > sess.ExpiresAt {
		return "", ErrInvalidToken
	}
	return claims.UserID, nil
}

func (s *Service) ValidateAccessToken(token string) (string, error) {
	claims, err := s.parseToken(token, kindAccess)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// Logout revokes the refresh session behind token.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parseToken(token, kindRefresh)
	if err != nil {
		return err
	}
	if _, err := s.lookupSession(ctx, claims.ID); err != nil {
		return err
	}
	return s.store.Update(ctx, map[string]any{
		docstore.Path(sessionsCollection, claims.ID, "revoked"): true,
	})
}

func (s *Service) Me(ctx context.Context, uid string) (User, error) {
	raw, err := s.store.Get(ctx, docstore.Path(usersCollection, uid))
	if errors.Is(err, docstore.ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	var user User
	if err := json.Unmarshal(raw, &user); err != nil {
		return User{}, fmt.Errorf("decode user %s: %w", uid, err)
	}
	return user, nil
}

// UpdateProfile writes the profile record and then propagates each changed
// field to the user's posts.
func (s *Service) UpdateProfile(ctx context.Context, uid string, upd ProfileUpdate) (User, error) {
	user, err := s.Me(ctx, uid)
	if err != nil {
		return User{}, err
	}

	if upd.Username != nil && strings.TrimSpace(*upd.Username) == "" {
		return User{}, ErrMissingFields
	}

	updates := map[string]any{}
	usernameChanged := upd.Username != nil && strings.TrimSpace(*upd.Username) != user.Username
	photoChanged := upd.PhotoURL != nil && *upd.PhotoURL != user.PhotoURL
	if usernameChanged {
		user.Username = strings.TrimSpace(*upd.Username)
		updates[docstore.Path(usersCollection, uid, "username")] = user.Username
	}
	if photoChanged {
		user.PhotoURL = *upd.PhotoURL
		updates[docstore.Path(usersCollection, uid, "photoURL")] = user.PhotoURL
	}
	if len(updates) == 0 {
		return user, nil
	}
	if err := s.store.Update(ctx, updates); err != nil {
		return User{}, err
	}

	if s.posts != nil {
		if usernameChanged {
			if err := s.posts.UpdatePostsUsername(ctx, uid, user.Username); err != nil {
				return User{}, fmt.Errorf("propagate username: %w", err)
			}
		}
		if photoChanged {
			if err := s.posts.UpdatePostsProfilePicture(ctx, uid, user.PhotoURL); err != nil {
				return User{}, fmt.Errorf("propagate photo: %w", err)
			}
		}
	}
	return user, nil
}

func (s *Service) signToken(userID, kind, id string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		UserID: userID,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Service) parseToken(token, kind string) (*Claims, error) {
	claims, err := parseClaims(token, s.secret)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, ErrInvalidToken
	}
	if kind == kindRefresh && claims.ID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func parseClaims(token string, secret []byte) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// findCredential resolves email through the email index.
func (s *Service) findCredential(ctx context.Context, email string) (credential, error) {
	if email == "" {
		return credential{}, ErrInvalidCredentials
	}
	raw, err := s.store.Get(ctx, docstore.Path(emailsCollection, emailKey(email)))
	if errors.Is(err, docstore.ErrNotFound) {
		return credential{}, ErrInvalidCredentials
	}
	if err != nil {
		return credential{}, err
	}
	var idx emailIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return credential{}, fmt.Errorf("decode email index: %w", err)
	}

	raw, err = s.store.Get(ctx, docstore.Path(credentialsCollection, idx.UID))
	if errors.Is(err, docstore.ErrNotFound) {
		// Claimed by a registration that has not finished writing.
		return credential{}, ErrInvalidCredentials
	}
	if err != nil {
		return credential{}, err
	}
	var c credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return credential{}, fmt.Errorf("decode credential %s: %w", idx.UID, err)
	}
	return c, nil
}

func (s *Service) lookupSession(ctx context.Context, id string) (session, error) {
	raw, err := s.store.Get(ctx, docstore.Path(sessionsCollection, id))
	if errors.Is(err, docstore.ErrNotFound) {
		return session{}, ErrInvalidToken
	}
	if err != nil {
		return session{}, err
	}
	var sess session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return sess, nil
}

// emailKey escapes the address so it is a single path segment.
func emailKey(email string) string {
	return url.PathEscape(email)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
