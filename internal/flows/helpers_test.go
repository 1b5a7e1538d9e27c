package flows

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ngthtrong/goSession/jwt"
	"github.com/ngthtrong/goSession/session"
)

const (
	statusPending uint8 = iota
	statusActive
	statusDeactivated
)

var errNoUser = errors.New("user not found")

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

type memUsers struct {
	mu       sync.Mutex
	accounts map[string]Account
}

func newMemUsers(accts ...Account) *memUsers {
	u := &memUsers{accounts: map[string]Account{}}
	for _, a := range accts {
		u.accounts[a.UserID] = a
	}
	return u
}

func (u *memUsers) ByEmail(_ context.Context, email string) (Account, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, a := range u.accounts {
		if a.Email == email {
			return a, nil
		}
	}
	return Account{}, errNoUser
}

func (u *memUsers) ByID(_ context.Context, id string) (Account, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a, ok := u.accounts[id]
	if !ok {
		return Account{}, errNoUser
	}
	return a, nil
}

func (u *memUsers) setStatus(id string, status uint8) {
	u.mu.Lock()
	defer u.mu.Unlock()
	a := u.accounts[id]
	a.Status = status
	u.accounts[id] = a
}

func (u *memUsers) remove(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.accounts, id)
}

type hookLog struct {
	mu      sync.Mutex
	reuses  []string
	revokes []string
	evicted []string
}

func (h *hookLog) hooks() Hooks {
	return Hooks{
		ReuseDetected: func(_ context.Context, rec *session.Record, _ int) {
			h.mu.Lock()
			h.reuses = append(h.reuses, rec.FamilyID)
			h.mu.Unlock()
		},
		FamilyRevoked: func(_ context.Context, _, familyID, reason string, _ int) {
			h.mu.Lock()
			h.revokes = append(h.revokes, reason+":"+familyID)
			h.mu.Unlock()
		},
		Evicted: func(_ context.Context, rec *session.Record) {
			h.mu.Lock()
			h.evicted = append(h.evicted, rec.FamilyID)
			h.mu.Unlock()
		},
	}
}

func (h *hookLog) reuseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reuses)
}

type fixture struct {
	clock  *testClock
	store  session.Store
	users  *memUsers
	signer *jwt.Manager
	log    *hookLog
	deps   Deps
}

func newFixture(t *testing.T, rep session.TokenType, mutate func(*Deps)) *fixture {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	clock := newTestClock()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	signer, err := jwt.NewManager(jwt.Config{
		AccessTTL:     5 * time.Minute,
		SigningMethod: jwt.MethodEd25519,
		PrivateKey:    priv,
		PublicKey:     pub,
		Issuer:        "gosession-test",
		Now:           clock.Now,
	})
	if err != nil {
		t.Fatalf("jwt manager: %v", err)
	}

	f := &fixture{
		clock:  clock,
		store:  session.NewRedisStore(rdb, "test"),
		users:  newMemUsers(Account{UserID: "u1", Email: "u1@example.com", Role: "member", Status: statusActive}),
		signer: signer,
		log:    &hookLog{},
	}

	tokens := TokenDeps{
		Representation: rep,
		Signer:         signer,
		StatusClaim:    func(s uint8) string { return [...]string{"pending", "active", "deactivated"}[s] },
		NewJTI:         uuid.NewString,
		NewRecordID:    func() string { return ulid.Make().String() },
	}
	deactivated := func(s uint8) bool { return s == statusDeactivated }
	hooks := f.log.hooks()

	f.deps = Deps{
		Issue: IssueDeps{
			Now:             clock.Now,
			Store:           f.store,
			Tokens:          tokens,
			RefreshLifetime: time.Hour,
			Govern:          GovernDeps{Store: f.store, AbsoluteCap: 24 * time.Hour, Hooks: hooks},
		},
		Refresh: RefreshDeps{
			Now:             clock.Now,
			Store:           f.store,
			Tokens:          tokens,
			RefreshLifetime: time.Hour,
			AbsoluteCap:     24 * time.Hour,
			Users:           f.users,
			UserNotFound:    errNoUser,
			IsDeactivated:   deactivated,
			Hooks:           hooks,
		},
		Sessions: SessionDeps{
			Now:         clock.Now,
			Store:       f.store,
			Tokens:      tokens,
			AbsoluteCap: 24 * time.Hour,
			Hooks:       hooks,
		},
		Validate: ValidateDeps{ParseAccess: signer.ParseAccess},
	}
	if mutate != nil {
		mutate(&f.deps)
	}
	return f
}

func (f *fixture) service() Service { return New(f.deps) }

func (f *fixture) issue(t *testing.T) Tokens {
	t.Helper()
	acct, _ := f.users.ByID(context.Background(), "u1")
	res := f.service().Issue(context.Background(), acct, Device{DeviceID: "d1", UserAgent: "ua", IP: "198.51.100.1"})
	if res.Failure != FailureNone {
		t.Fatalf("issue failed: %v %v", res.Failure, res.Err)
	}
	return res.Tokens
}

func (f *fixture) refresh(t *testing.T, token string) RefreshResult {
	t.Helper()
	return f.service().Refresh(context.Background(), token)
}

func assertFailure(t *testing.T, got, want FailureKind) {
	t.Helper()
	if got != want {
		t.Fatalf("failure = %v, want %v", got, want)
	}
}
