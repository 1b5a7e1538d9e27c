// Command gosession-loadtest measures lookup and rotation throughput of the
// Redis session store and checks that concurrent rotations of one parent
// produce exactly one child.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ngthtrong/goSession/internal"
	"github.com/ngthtrong/goSession/refresh"
	"github.com/ngthtrong/goSession/session"
)

type familyState struct {
	mu  sync.Mutex
	tip *session.Record
}

func main() {
	var (
		families    = flag.Int("families", 20000, "number of session families to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 100000, "operations per phase (lookup + rotate)")
		racers      = flag.Int("racers", 16, "concurrent rotations per parent in the race phase")
		raceRounds  = flag.Int("race-rounds", 200, "parents raced in the race phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "gsload", "session key prefix")
	)
	flag.Parse()

	if *families <= 0 || *concurrency <= 0 || *ops <= 0 || *racers <= 1 || *raceRounds <= 0 {
		fmt.Fprintln(os.Stderr, "families, concurrency, ops and race-rounds must be > 0; racers must be > 1")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	store := session.NewRedisStore(client, *prefix)

	states := make([]familyState, *families)
	fmt.Printf("seeding %d families...\n", *families)
	startSeed := time.Now()
	for i := range states {
		rec, err := seedRoot(ctx, store, fmt.Sprintf("u-%d", i%1000))
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
		states[i].tip = rec
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	lookupStats := runLookupPhase(ctx, store, states, *ops, *concurrency)
	rotateStats := runRotatePhase(ctx, store, states, *ops, *concurrency)
	winners, err := runRacePhase(ctx, store, *raceRounds, *racers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "race phase failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("---- results ----")
	printStats("lookup", lookupStats)
	printStats("rotate", rotateStats)
	fmt.Printf("race: rounds=%d racers=%d single-winner rounds=%d\n", *raceRounds, *racers, winners)
	if winners != *raceRounds {
		fmt.Fprintln(os.Stderr, "race: a parent produced more or fewer than one child")
		os.Exit(1)
	}
}

func seedRoot(ctx context.Context, store session.Store, userID string) (*session.Record, error) {
	now := time.Now()
	jti := internal.NewJTI()
	_, hash, err := refresh.Issue(jti)
	if err != nil {
		return nil, err
	}
	rec := &session.Record{
		ID:             internal.NewRecordID(),
		UserID:         userID,
		JTI:            jti,
		FamilyID:       jti,
		TokenType:      session.TokenOpaque,
		TokenHash:      hash,
		IssuedAt:       now,
		ExpiresAt:      now.Add(24 * time.Hour),
		FamilyIssuedAt: now,
	}
	return rec, store.Create(ctx, rec)
}

func childOf(parent *session.Record, now time.Time) (*session.Record, error) {
	jti := internal.NewJTI()
	_, hash, err := refresh.Issue(jti)
	if err != nil {
		return nil, err
	}
	return parent.Child(internal.NewRecordID(), jti, hash, now, 24*time.Hour), nil
}

func runLookupPhase(ctx context.Context, store session.Store, states []familyState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]
				state.mu.Lock()
				jti := state.tip.JTI
				state.mu.Unlock()

				t0 := time.Now()
				_, err := store.FindByJTI(ctx, jti)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func runRotatePhase(ctx context.Context, store session.Store, states []familyState, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*6151))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				state := &states[r.Intn(len(states))]

				state.mu.Lock()
				now := time.Now()
				child, err := childOf(state.tip, now)
				if err != nil {
					state.mu.Unlock()
					atomic.AddInt64(&failures, 1)
					continue
				}
				t0 := time.Now()
				err = store.MarkRotated(ctx, state.tip.JTI, now, child)
				d := time.Since(t0)
				if err == nil {
					state.tip = child
				} else {
					atomic.AddInt64(&failures, 1)
				}
				state.mu.Unlock()

				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

// runRacePhase rotates fresh parents from several goroutines at once and
// returns the number of rounds that ended with exactly one winner.
func runRacePhase(ctx context.Context, store session.Store, rounds, racers int) (int, error) {
	single := 0
	for round := 0; round < rounds; round++ {
		parent, err := seedRoot(ctx, store, fmt.Sprintf("race-%d", round))
		if err != nil {
			return single, err
		}

		var (
			wg    sync.WaitGroup
			wins  int64
			start = make(chan struct{})
			errCh = make(chan error, racers)
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				now := time.Now()
				child, err := childOf(parent, now)
				if err != nil {
					errCh <- err
					return
				}
				<-start
				switch err := store.MarkRotated(ctx, parent.JTI, now, child); {
				case err == nil:
					atomic.AddInt64(&wins, 1)
				case errors.Is(err, session.ErrAlreadyRotated):
				default:
					errCh <- err
				}
			}()
		}
		close(start)
		wg.Wait()
		close(errCh)
		if err, ok := <-errCh; ok {
			return single, err
		}

		live, err := store.CountLive(ctx, parent.UserID, time.Now())
		if err != nil {
			return single, err
		}
		if wins == 1 && live == 1 {
			single++
		}
	}
	return single, nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
