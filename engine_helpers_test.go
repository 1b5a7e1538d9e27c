package goSession

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ngthtrong/goSession/password"
	"github.com/ngthtrong/goSession/refresh"
)

const testPassword = "correct-password-123"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testUsers struct {
	mu    sync.Mutex
	users map[string]UserRecord
	calls int
}

func (u *testUsers) GetUserByEmail(_ context.Context, email string) (UserRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	for _, rec := range u.users {
		if rec.Email == email {
			return rec, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (u *testUsers) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	rec, ok := u.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return rec, nil
}

func (u *testUsers) setStatus(userID string, status AccountStatus) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec := u.users[userID]
	rec.Status = status
	u.users[userID] = rec
}

func (u *testUsers) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

type engineFixture struct {
	engine *Engine
	clock  *testClock
	users  *testUsers
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

func testConfig(t testing.TB) Config {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	cfg := DefaultConfig()
	cfg.JWT.PrivateKey = priv
	cfg.JWT.PublicKey = pub
	cfg.JWT.Issuer = "gosession-test"
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Store.RedisPrefix = "t"
	cfg.Metrics.Enabled = true
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func newTestUsers(t testing.TB, cfg Config) *testUsers {
	t.Helper()
	pv, err := password.NewVerifier(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		t.Fatalf("password verifier: %v", err)
	}
	hash, err := pv.Hash(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	return &testUsers{users: map[string]UserRecord{
		"u-alice": {UserID: "u-alice", Email: "alice@example.com", Role: "member", Status: AccountActive, PasswordHash: hash},
		"u-bob":   {UserID: "u-bob", Email: "bob@example.com", Role: "admin", Status: AccountActive, PasswordHash: hash},
		"u-dora":  {UserID: "u-dora", Email: "dora@example.com", Role: "member", Status: AccountDeactivated, PasswordHash: hash},
	}}
}

// newTestEngine builds an engine over miniredis. mutate adjusts the config
// and extra configures the builder before Build.
func newTestEngine(t testing.TB, mutate func(*Config), extra ...func(*Builder)) *engineFixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})

	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newTestClock()
	users := newTestUsers(t, cfg)

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(users).
		WithClock(clock.Now)
	for _, fn := range extra {
		fn(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	t.Cleanup(func() {
		engine.Close()
		_ = rdb.Close()
		mr.Close()
	})
	return &engineFixture{engine: engine, clock: clock, users: users, mr: mr, rdb: rdb}
}

func (f *engineFixture) login(t testing.TB, email string) *Issuance {
	t.Helper()
	iss, err := f.engine.Login(context.Background(), email, testPassword, DeviceInfo{DeviceID: "dev-1", UserAgent: "test"})
	if err != nil {
		t.Fatalf("login %s: %v", email, err)
	}
	return iss
}

func (f *engineFixture) refresh(t testing.TB, token string) *Issuance {
	t.Helper()
	iss, err := f.engine.Refresh(context.Background(), token)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return iss
}

// jtiOf returns the record id a refresh token points at.
func (f *engineFixture) jtiOf(t testing.TB, token string) string {
	t.Helper()
	if f.engine.config.Sessions.TokenRepresentation == TokenSigned {
		claims, err := f.engine.jwtManager.ParseRefresh(token)
		if err != nil {
			t.Fatalf("parse signed refresh: %v", err)
		}
		return claims.ID
	}
	jti, _, err := refresh.Decode(token)
	if err != nil {
		t.Fatalf("decode opaque refresh: %v", err)
	}
	return jti
}

func (f *engineFixture) liveCount(t testing.TB, userID string) int {
	t.Helper()
	n, err := f.engine.store.CountLive(context.Background(), userID, f.clock.Now())
	if err != nil {
		t.Fatalf("count live: %v", err)
	}
	return n
}

// recordID returns the session id of the record a refresh token points at.
func (f *engineFixture) recordID(t testing.TB, token string) string {
	t.Helper()
	rec, err := f.engine.store.FindByJTI(context.Background(), f.jtiOf(t, token))
	if err != nil {
		t.Fatalf("find record: %v", err)
	}
	return rec.ID
}
