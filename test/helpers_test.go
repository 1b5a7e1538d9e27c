//go:build integration
// +build integration

package test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	goSession "github.com/ngthtrong/goSession"
	"github.com/ngthtrong/goSession/password"
)

const testPassword = "integration-password-1"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type users struct {
	byID map[string]goSession.UserRecord
}

func (u *users) GetUserByEmail(_ context.Context, email string) (goSession.UserRecord, error) {
	for _, rec := range u.byID {
		if rec.Email == email {
			return rec, nil
		}
	}
	return goSession.UserRecord{}, goSession.ErrUserNotFound
}

func (u *users) GetUserByID(_ context.Context, userID string) (goSession.UserRecord, error) {
	rec, ok := u.byID[userID]
	if !ok {
		return goSession.UserRecord{}, goSession.ErrUserNotFound
	}
	return rec, nil
}

type harness struct {
	engine *goSession.Engine
	clock  *clock
	rdb    *redis.Client
	mr     *miniredis.Miniredis
}

func baseConfig(t *testing.T) goSession.Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	cfg := goSession.DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.JWT.Issuer = "gosession-it"
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Security.EnableRefreshThrottle = false
	cfg.Metrics.Enabled = true
	return cfg
}

func newUsers(t *testing.T, cfg goSession.Config) *users {
	t.Helper()
	pv, err := password.NewVerifier(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	hash, err := pv.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	return &users{byID: map[string]goSession.UserRecord{
		"u1": {UserID: "u1", Email: "u1@example.com", Role: "member", Status: goSession.AccountActive, PasswordHash: hash},
		"u2": {UserID: "u2", Email: "u2@example.com", Role: "admin", Status: goSession.AccountActive, PasswordHash: hash},
	}}
}

func newHarness(t *testing.T, mutate func(*goSession.Config), opts ...func(*goSession.Builder)) *harness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := baseConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	c := &clock{now: time.Now().UTC().Truncate(time.Millisecond)}

	b := goSession.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(newUsers(t, cfg)).
		WithClock(c.Now)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return &harness{engine: engine, clock: c, rdb: rdb, mr: mr}
}

func (h *harness) login(t *testing.T, email string) *goSession.Issuance {
	t.Helper()
	iss, err := h.engine.Login(context.Background(), email, testPassword, goSession.DeviceInfo{UserAgent: "it"})
	if err != nil {
		t.Fatalf("Login(%s) failed: %v", email, err)
	}
	return iss
}

func (h *harness) refresh(t *testing.T, token string) *goSession.Issuance {
	t.Helper()
	iss, err := h.engine.Refresh(context.Background(), token)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	return iss
}

func (h *harness) sessions(t *testing.T, userID string) []goSession.SessionInfo {
	t.Helper()
	list, err := h.engine.ListSessions(context.Background(), userID)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	return list
}
