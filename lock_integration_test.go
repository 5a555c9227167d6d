package pglock

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testFactory returns a factory against the Postgres named by
// TEST_DATABASE_URL, plus a pool for inspecting lock grants.
// Skips the test if Postgres is not available.
func testFactory(t *testing.T) (*Factory, *pgxpool.Pool) {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres not available: %v", err)
	}

	t.Cleanup(pool.Close)

	return NewFactory(url), pool
}

// testKey builds a per-test key so runs never contend with stale sessions.
func testKey(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())
}

// advisoryGranted reports whether any session holds the advisory lock for
// key. The 64-bit advisory key shows up in pg_locks split across the
// classid (high 32 bits) and objid (low 32 bits) columns.
func advisoryGranted(t *testing.T, pool *pgxpool.Pool, key string) bool {
	t.Helper()

	hashed := uint64(AdvisoryKey(key))
	classid := int64(uint32(hashed >> 32))
	objid := int64(uint32(hashed))

	var count int
	err := pool.QueryRow(context.Background(), `
		SELECT count(*) FROM pg_locks
		WHERE locktype = 'advisory' AND classid = $1 AND objid = $2 AND objsubid = 1 AND granted
	`, classid, objid).Scan(&count)
	require.NoError(t, err)

	return count > 0
}

func TestLock_HappyPathRoundTrip(t *testing.T) {
	factory, pool := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	lock := factory.NewLock(key)
	require.NoError(t, lock.Take(ctx, 5*time.Second))
	assert.True(t, lock.Held())
	assert.True(t, advisoryGranted(t, pool, key), "service should report the key as granted")

	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.Held())
	assert.False(t, advisoryGranted(t, pool, key), "service should report the key as free after release")
}

func TestLock_MutualExclusion(t *testing.T) {
	factory, _ := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	first := factory.NewLock(key)
	require.NoError(t, first.Take(ctx, 5*time.Second))

	const releaseAfter = 500 * time.Millisecond
	releaseStarted := make(chan time.Time, 1)
	go func() {
		time.Sleep(releaseAfter)
		releaseStarted <- time.Now()
		_ = first.Release(ctx)
	}()

	second := factory.NewLock(key)
	t.Cleanup(func() { _ = second.Release(context.Background()) })

	start := time.Now()
	require.NoError(t, second.Take(ctx, 10*time.Second))
	grantedAt := time.Now()

	assert.True(t, second.Held())
	assert.GreaterOrEqual(t, grantedAt.Sub(start), releaseAfter,
		"second acquisition must not succeed before the first holder released")
	assert.True(t, grantedAt.After(<-releaseStarted),
		"second grant must come after the first release began")
}

func TestLock_TimeoutAccuracy(t *testing.T) {
	factory, pool := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	holder := factory.NewLock(key)
	require.NoError(t, holder.Take(ctx, 5*time.Second))
	t.Cleanup(func() { _ = holder.Release(context.Background()) })

	const timeout = 1500 * time.Millisecond
	contender := factory.NewLock(key)

	start := time.Now()
	acquired, err := contender.TryTake(ctx, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err, "a busy lock is not an error for TryTake")
	assert.False(t, acquired)
	assert.False(t, contender.Held())

	// Allow slack below for clock granularity and above for connect time.
	assert.GreaterOrEqual(t, elapsed, timeout-100*time.Millisecond)
	assert.LessOrEqual(t, elapsed, timeout+1500*time.Millisecond)

	assert.True(t, advisoryGranted(t, pool, key), "holder must still own the grant")
}

func TestLock_TakeTimeoutIsError(t *testing.T) {
	factory, _ := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	holder := factory.NewLock(key)
	require.NoError(t, holder.Take(ctx, 5*time.Second))
	t.Cleanup(func() { _ = holder.Release(context.Background()) })

	contender := factory.NewLock(key)
	err := contender.Take(ctx, 200*time.Millisecond)

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.False(t, contender.Held())
}

func TestLock_CancellationLatency(t *testing.T) {
	factory, _ := testFactory(t)
	key := testKey(t)

	holder := factory.NewLock(key)
	require.NoError(t, holder.Take(context.Background(), 5*time.Second))
	t.Cleanup(func() { _ = holder.Release(context.Background()) })

	const cancelAfter = 200 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(cancelAfter, cancel)

	contender := factory.NewLock(key)
	start := time.Now()
	err := contender.Take(ctx, 30*time.Second)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, contender.Held())
	assert.Less(t, elapsed, 2*time.Second,
		"cancellation must unwind well under the requested timeout")
}

func TestLock_TryTakeCancellationIsError(t *testing.T) {
	factory, _ := testFactory(t)
	key := testKey(t)

	holder := factory.NewLock(key)
	require.NoError(t, holder.Take(context.Background(), 5*time.Second))
	t.Cleanup(func() { _ = holder.Release(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	contender := factory.NewLock(key)
	acquired, err := contender.TryTake(ctx, 30*time.Second)

	assert.ErrorIs(t, err, context.Canceled, "cancellation is an error even for TryTake")
	assert.False(t, acquired)
}

// A contender canceled mid-wait must not leave an orphaned grant behind:
// its session is closed unconditionally, so once the holder releases, the
// key is immediately takeable.
func TestLock_AbandonedAttemptLeavesNoOrphan(t *testing.T) {
	factory, pool := testFactory(t)
	key := testKey(t)

	holder := factory.NewLock(key)
	require.NoError(t, holder.Take(context.Background(), 5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	abandoned := factory.NewLock(key)
	err := abandoned.Take(ctx, 30*time.Second)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, holder.Release(context.Background()))

	successor := factory.NewLock(key)
	t.Cleanup(func() { _ = successor.Release(context.Background()) })

	acquired, err := successor.TryTake(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired, "abandoned attempt must not hold the key")
	assert.True(t, advisoryGranted(t, pool, key))
}

func TestLock_DoubleTake(t *testing.T) {
	factory, _ := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	lock := factory.NewLock(key)
	require.NoError(t, lock.Take(ctx, 5*time.Second))
	t.Cleanup(func() { _ = lock.Release(context.Background()) })

	err := lock.Take(ctx, time.Second)
	assert.ErrorIs(t, err, ErrAlreadyHeld)
	assert.True(t, lock.Held(), "a rejected re-take must not disturb the held lock")
}

func TestLock_ReleaseIdempotent(t *testing.T) {
	factory, pool := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	lock := factory.NewLock(key)
	require.NoError(t, lock.Take(ctx, 5*time.Second))

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, lock.Release(ctx))
	assert.False(t, lock.Held())
	assert.False(t, advisoryGranted(t, pool, key))

	err := lock.Take(ctx, time.Second)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestLock_ReacquireAfterRelease(t *testing.T) {
	factory, _ := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	first := factory.NewLock(key)
	require.NoError(t, first.Take(ctx, 5*time.Second))
	require.NoError(t, first.Release(ctx))

	second := factory.NewLock(key)
	t.Cleanup(func() { _ = second.Release(context.Background()) })

	require.NoError(t, second.Take(ctx, 2*time.Second))
	assert.True(t, second.Held())
}

func TestFactory_TakeLock(t *testing.T) {
	factory, pool := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	lock, err := factory.TakeLock(ctx, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lock.Release(context.Background()) })

	assert.True(t, lock.Held())
	assert.True(t, advisoryGranted(t, pool, key))
}

func TestFactory_TakeLockTimeout_Busy(t *testing.T) {
	factory, _ := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	holder, err := factory.TakeLock(ctx, key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Release(context.Background()) })

	lock, err := factory.TakeLockTimeout(ctx, key, 300*time.Millisecond)

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Nil(t, lock, "no instance is returned on the failure path")
}

func TestLock_ConcurrentContenders(t *testing.T) {
	factory, _ := testFactory(t)
	ctx := context.Background()
	key := testKey(t)

	const workers = 4
	const holdFor = 100 * time.Millisecond

	var inside atomic.Int32
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			lock := factory.NewLock(key)
			if err := lock.Take(ctx, 30*time.Second); err != nil {
				return err
			}
			defer func() { _ = lock.Release(context.Background()) }()

			// Exactly one worker may be inside the critical section.
			if n := inside.Add(1); n != 1 {
				return fmt.Errorf("%d workers inside the critical section", n)
			}
			time.Sleep(holdFor)
			inside.Add(-1)
			return nil
		})
	}

	require.NoError(t, g.Wait())
}
