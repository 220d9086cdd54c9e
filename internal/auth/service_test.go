package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"artless-topics/internal/docstore"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

type cascadeCall struct {
	field  string
	userID string
	value  string
}

type recordingCascade struct {
	calls []cascadeCall
	err   error
}

func (r *recordingCascade) UpdatePostsUsername(_ context.Context, userID, username string) error {
	r.calls = append(r.calls, cascadeCall{"username", userID, username})
	return r.err
}

func (r *recordingCascade) UpdatePostsProfilePicture(_ context.Context, userID, photoURL string) error {
	r.calls = append(r.calls, cascadeCall{"photo", userID, photoURL})
	return r.err
}

func newTestService(t *testing.T) (*Service, *recordingCascade) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cascade := &recordingCascade{}
	svc := NewService("test-secret", docstore.NewRedisStore(client), cascade, nil)
	svc.hashCost = bcrypt.MinCost
	return svc, cascade
}

func register(t *testing.T, svc *Service, email string) (User, TokenResponse) {
	t.Helper()
	user, tokens, err := svc.Register(context.Background(), RegisterRequest{Email: email, Username: "walker", Password: "pass"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return user, tokens
}

func TestConcurrentRegisterSameEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []User
		taken   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			user, _, err := svc.Register(ctx, RegisterRequest{Email: "dup@x.io", Username: "dup", Password: "pass"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, user)
			case errors.Is(err, ErrEmailTaken):
				taken++
			default:
				t.Errorf("register: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(winners) != 1 || taken != workers-1 {
		t.Fatalf("expected one account and %d rejections, got %d and %d", workers-1, len(winners), taken)
	}
	creds, err := svc.store.List(ctx, credentialsCollection)
	if err != nil {
		t.Fatalf("list credentials: %v", err)
	}
	if len(creds) != 1 || creds[0].Key != winners[0].UID {
		t.Fatalf("expected a single credential for %s, got %+v", winners[0].UID, creds)
	}

	logged, _, err := svc.Login(ctx, LoginRequest{Email: "dup@x.io", Password: "pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.UID != winners[0].UID {
		t.Fatalf("login resolved %s, want %s", logged.UID, winners[0].UID)
	}
}

func TestLoginEmailWithSlash(t *testing.T) {
	svc, _ := newTestService(t)

	user, _ := register(t, svc, "a/b@x.io")
	logged, _, err := svc.Login(context.Background(), LoginRequest{Email: "a/b@x.io", Password: "pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.UID != user.UID {
		t.Fatalf("login resolved %s, want %s", logged.UID, user.UID)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, tokens := register(t, svc, " User@Example.com ")
	if user.UID == "" || user.Email != "user@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.TokenType != "Bearer" {
		t.Fatalf("unexpected tokens %+v", tokens)
	}

	if _, _, err := svc.Register(ctx, RegisterRequest{Email: "user@example.com", Username: "x", Password: "y"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, _, err := svc.Register(ctx, RegisterRequest{Email: "a@b.c"}); !errors.Is(err, ErrMissingFields) {
		t.Fatalf("expected ErrMissingFields, got %v", err)
	}

	logged, _, err := svc.Login(ctx, LoginRequest{Email: "USER@example.com", Password: "pass"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if logged.UID != user.UID {
		t.Fatalf("login resolved %s, want %s", logged.UID, user.UID)
	}
	if _, _, err := svc.Login(ctx, LoginRequest{Email: "user@example.com", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := svc.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: "pass"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestTokenKindsAreNotInterchangeable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user, tokens := register(t, svc, "user@example.com")

	uid, err := svc.ValidateAccessToken(tokens.AccessToken)
	if err != nil || uid != user.UID {
		t.Fatalf("validate access: %v %s", err, uid)
	}
	if _, err := svc.ValidateAccessToken(tokens.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
	if _, err := svc.ValidateRefreshToken(ctx, tokens.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token accepted as refresh token: %v", err)
	}
	if _, err := svc.ValidateAccessToken("garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user, tokens := register(t, svc, "user@example.com")

	uid, err := svc.ValidateRefreshToken(ctx, tokens.RefreshToken)
	if err != nil || uid != user.UID {
		t.Fatalf("validate refresh: %v %s", err, uid)
	}

	if err := svc.Logout(ctx, tokens.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.ValidateRefreshToken(ctx, tokens.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked session, got %v", err)
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, tokens := register(t, svc, "user@example.com")

	issued := time.Now()
	svc.now = func() time.Time { return issued.Add(refreshTokenTTL + time.Hour) }
	if _, err := svc.ValidateRefreshToken(ctx, tokens.RefreshToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestUpdateProfileCascades(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()
	user, _ := register(t, svc, "user@example.com")

	name := "summit"
	photo := "https://img/me.png"
	updated, err := svc.UpdateProfile(ctx, user.UID, ProfileUpdate{Username: &name, PhotoURL: &photo})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Username != name || updated.PhotoURL != photo {
		t.Fatalf("unexpected profile %+v", updated)
	}

	stored, err := svc.Me(ctx, user.UID)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if stored.Username != name || stored.PhotoURL != photo || stored.Email != user.Email {
		t.Fatalf("profile not persisted: %+v", stored)
	}

	want := []cascadeCall{{"username", user.UID, name}, {"photo", user.UID, photo}}
	if len(cascade.calls) != len(want) {
		t.Fatalf("expected %d cascade calls, got %+v", len(want), cascade.calls)
	}
	for i := range want {
		if cascade.calls[i] != want[i] {
			t.Fatalf("cascade call %d: got %+v want %+v", i, cascade.calls[i], want[i])
		}
	}

	// Unchanged values do not touch posts.
	if _, err := svc.UpdateProfile(ctx, user.UID, ProfileUpdate{Username: &name}); err != nil {
		t.Fatalf("noop update: %v", err)
	}
	if len(cascade.calls) != len(want) {
		t.Fatalf("expected no further cascade, got %+v", cascade.calls)
	}
}

func TestUpdateProfileCascadeError(t *testing.T) {
	svc, cascade := newTestService(t)
	ctx := context.Background()
	user, _ := register(t, svc, "user@example.com")
	cascade.err = errors.New("posts unavailable")

	name := "renamed"
	if _, err := svc.UpdateProfile(ctx, user.UID, ProfileUpdate{Username: &name}); !errors.Is(err, cascade.err) {
		t.Fatalf("expected cascade error, got %v", err)
	}
	// The profile write lands before the cascade runs.
	stored, _ := svc.Me(ctx, user.UID)
	if stored.Username != name {
		t.Fatalf("expected profile write to persist, got %+v", stored)
	}
}

func TestMeUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Me(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
