package tests

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/echochat/server/internal/auth"
	httprouter "github.com/echochat/server/internal/http"
	"github.com/echochat/server/internal/http/handlers"
	"github.com/echochat/server/internal/kv"
	"github.com/echochat/server/internal/model"
	"github.com/echochat/server/internal/otp"
	"github.com/echochat/server/internal/ratelimit"
	"github.com/echochat/server/internal/repo"
)

// memUserStore is an in-memory stand-in for the Postgres user repository.
// Guarded by a mutex because the test server handles requests concurrently.
type memUserStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]model.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: make(map[uuid.UUID]model.User)}
}

func (s *memUserStore) GetByPhone(_ context.Context, phone string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.PhoneNumber == phone {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("user by phone: %w", repo.ErrNotFound)
}

func (s *memUserStore) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return model.User{}, fmt.Errorf("user by id: %w", repo.ErrNotFound)
	}
	return u, nil
}

func (s *memUserStore) Create(_ context.Context, phone, displayName, role string) (model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := model.User{
		ID:          uuid.New(),
		PhoneNumber: phone,
		DisplayName: displayName,
		Role:        role,
		Verified:    true,
		CreatedAt:   time.Now(),
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *memUserStore) MarkVerified(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(u *model.User) { u.Verified = true })
}

func (s *memUserStore) SetDisplayName(_ context.Context, id uuid.UUID, displayName string) error {
	return s.update(id, func(u *model.User) { u.DisplayName = displayName })
}

func (s *memUserStore) SetActiveSession(_ context.Context, id, sessionID uuid.UUID) error {
	sid := sessionID
	return s.update(id, func(u *model.User) { u.ActiveSessionID = &sid })
}

func (s *memUserStore) ClearActiveSession(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(u *model.User) { u.ActiveSessionID = nil })
}

func (s *memUserStore) update(id uuid.UUID, fn func(*model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	fn(&u)
	s.users[id] = u
	return nil
}

// memTokenStore is an in-memory stand-in for the refresh-token repository.
type memTokenStore struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]model.RefreshToken
}

func newMemTokenStore() *memTokenStore {
	return &memTokenStore{tokens: make(map[uuid.UUID]model.RefreshToken)}
}

func (s *memTokenStore) Insert(_ context.Context, token model.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = token
	return nil
}

func (s *memTokenStore) FindByHash(_ context.Context, userID uuid.UUID, tokenHash string) (model.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.UserID == userID && t.TokenHash == tokenHash {
			return t, nil
		}
	}
	return model.RefreshToken{}, fmt.Errorf("refresh token: %w", repo.ErrNotFound)
}

func (s *memTokenStore) DeleteByID(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *memTokenStore) DeleteAllForUser(_ context.Context, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tokens {
		if t.UserID == userID {
			delete(s.tokens, id)
		}
	}
	return nil
}

func (s *memTokenStore) count(userID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if t.UserID == userID {
			n++
		}
	}
	return n
}

// testEnv wires the full HTTP stack against miniredis and in-memory stores.
type testEnv struct {
	Server *httptest.Server
	Redis  *miniredis.Miniredis
	Users  *memUserStore
	Tokens *memTokenStore
}

// stubCode is what the stubbed generator hands out for every challenge.
const stubCode = "123456"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := kv.NewRedisStore(client)
	limiter := ratelimit.New(store, ratelimit.FailOpen)

	manager := otp.NewManager(store, limiter, otp.NopNotifier{}, otp.Config{
		Salt:        "test-salt",
		RevealCodes: true,
	})
	manager.SetCodeGenerator(func() (string, error) { return stubCode, nil })

	users := newMemUserStore()
	tokens := newMemTokenStore()

	tm := auth.NewTokenManager("test-access-secret", "test-refresh-secret", 15*time.Minute, 30*24*time.Hour)
	service := auth.NewService(users, tokens, tm)

	handler := handlers.NewAuthHandler(manager, service, limiter, true)
	router := httprouter.NewRouter(handler, tm, users)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{Server: srv, Redis: mr, Users: users, Tokens: tokens}
}

// newTestEnvIPLimiterDown wires the stack with a fail-closed per-IP limiter
// whose store is unreachable, while the OTP state keeps a live store.
func newTestEnvIPLimiterDown(t *testing.T) *testEnv {
	t.Helper()

	mrDead := miniredis.RunT(t)
	deadClient := redis.NewClient(&redis.Options{Addr: mrDead.Addr()})
	t.Cleanup(func() { _ = deadClient.Close() })
	ipLimiter := ratelimit.New(kv.NewRedisStore(deadClient), ratelimit.FailClosed)
	mrDead.Close()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := kv.NewRedisStore(client)
	manager := otp.NewManager(store, ratelimit.New(store, ratelimit.FailOpen), otp.NopNotifier{}, otp.Config{
		Salt:        "test-salt",
		RevealCodes: true,
	})
	manager.SetCodeGenerator(func() (string, error) { return stubCode, nil })

	users := newMemUserStore()
	tokens := newMemTokenStore()

	tm := auth.NewTokenManager("test-access-secret", "test-refresh-secret", 15*time.Minute, 30*24*time.Hour)
	service := auth.NewService(users, tokens, tm)

	handler := handlers.NewAuthHandler(manager, service, ipLimiter, true)
	router := httprouter.NewRouter(handler, tm, users)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testEnv{Server: srv, Redis: mr, Users: users, Tokens: tokens}
}
