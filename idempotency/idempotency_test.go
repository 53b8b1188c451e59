package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edbase/storage"
	"edbase/storage/storagetest"
)

type recordKey struct {
	userID string
	key    string
}

type memoryStore struct {
	records map[recordKey]*Record
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[recordKey]*Record)}
}

func (m *memoryStore) Get(ctx context.Context, q storage.Querier, userID, key string, now time.Time) (*Record, error) {
	r, ok := m.records[recordKey{userID, key}]
	if !ok || !r.ExpiresAt.After(now) {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// Acquire mirrors the SQL upsert: fresh keys insert, failed rows with the
// same hash and expired rows are retaken, live rows block the claim.
func (m *memoryStore) Acquire(ctx context.Context, q storage.Querier, userID, key, requestHash string, now, expiresAt time.Time) (*Claim, error) {
	k := recordKey{userID, key}
	if r, ok := m.records[k]; ok {
		if r.ExpiresAt.After(now) {
			if r.Status != StatusFailed || r.RequestHash != requestHash {
				return nil, nil
			}
			r.Status = StatusPending
			return &Claim{Status: StatusPending}, nil
		}
	}
	m.records[k] = &Record{
		UserID: userID, Key: key, RequestHash: requestHash,
		Status: StatusPending, CreatedAt: now, ExpiresAt: expiresAt,
	}
	return &Claim{Status: StatusPending, Inserted: true}, nil
}

func (m *memoryStore) Complete(ctx context.Context, q storage.Querier, userID, key string, statusCode int, response []byte) error {
	if r, ok := m.records[recordKey{userID, key}]; ok && r.Status == StatusPending {
		r.Status = StatusCompleted
		r.StatusCode = statusCode
		r.Response = response
	}
	return nil
}

func (m *memoryStore) Fail(ctx context.Context, q storage.Querier, userID, key string) error {
	if r, ok := m.records[recordKey{userID, key}]; ok && r.Status == StatusPending {
		r.Status = StatusFailed
	}
	return nil
}

func (m *memoryStore) DeleteExpired(ctx context.Context, q storage.Querier, now time.Time, limit int) (int64, error) {
	var count int64
	for k, r := range m.records {
		if count >= int64(limit) {
			break
		}
		if r.ExpiresAt.Before(now) {
			delete(m.records, k)
			count++
		}
	}
	return count, nil
}

func newTestEngine(t *testing.T) (*Engine, *memoryStore, *time.Time) {
	t.Helper()
	store := newMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(store, storagetest.Querier{}, storagetest.NewTransactor(), nil)
	engine.nowFn = func() time.Time { return now }
	return engine, store, &now
}

const testKey = "client-key-0123456789abcdef"

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey(testKey))
	require.Error(t, ValidateKey("short"))
	require.Error(t, ValidateKey("has spaces in the key 123456"))
	require.Error(t, ValidateKey(""))
}

func TestRunExecutesOnceAndReplays(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	calls := 0
	fn := func(ctx context.Context, q storage.Querier) (int, []byte, error) {
		calls++
		return 201, []byte(`{"payment_id":"pay-1"}`), nil
	}

	first, err := engine.Run(ctx, "user-1", testKey, "hash-a", fn)
	require.NoError(t, err)
	require.False(t, first.Replay)
	require.Equal(t, 201, first.StatusCode)

	second, err := engine.Run(ctx, "user-1", testKey, "hash-a", fn)
	require.NoError(t, err)
	require.True(t, second.Replay)
	require.Equal(t, 201, second.StatusCode)
	require.Equal(t, first.Response, second.Response)
	require.Equal(t, 1, calls)
}

func TestBeginConflictOnHashMismatch(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Begin(ctx, "user-1", testKey, "hash-a")
	require.NoError(t, err)

	_, err = engine.Begin(ctx, "user-1", testKey, "hash-b")
	require.ErrorIs(t, err, ErrConflict)
}

func TestBeginInFlight(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Begin(ctx, "user-1", testKey, "hash-a")
	require.NoError(t, err)

	// Same key and hash while pending: caller must wait, not execute.
	_, err = engine.Begin(ctx, "user-1", testKey, "hash-a")
	require.ErrorIs(t, err, ErrInFlight)
}

func TestFailedKeyIsRetryable(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	boom := errors.New("gateway down")

	_, err := engine.Run(ctx, "user-1", testKey, "hash-a", func(ctx context.Context, q storage.Querier) (int, []byte, error) {
		return 0, nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, StatusFailed, store.records[recordKey{"user-1", testKey}].Status)

	res, err := engine.Run(ctx, "user-1", testKey, "hash-a", func(ctx context.Context, q storage.Querier) (int, []byte, error) {
		return 200, []byte(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	require.False(t, res.Replay)
	require.Equal(t, StatusCompleted, store.records[recordKey{"user-1", testKey}].Status)
}

func TestKeysAreScopedPerUser(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Begin(ctx, "user-1", testKey, "hash-a")
	require.NoError(t, err)

	// A different user may use the same key without conflict.
	res, err := engine.Begin(ctx, "user-2", testKey, "hash-z")
	require.NoError(t, err)
	require.False(t, res.Replay)
}

func TestExpiredKeyTreatedAsFresh(t *testing.T) {
	engine, _, now := newTestEngine(t)
	ctx := context.Background()
	calls := 0
	fn := func(ctx context.Context, q storage.Querier) (int, []byte, error) {
		calls++
		return 200, []byte(`{}`), nil
	}

	_, err := engine.Run(ctx, "user-1", testKey, "hash-a", fn)
	require.NoError(t, err)

	*now = now.Add(KeyTTL + time.Hour)
	// The stale record is invisible; the memory store mirrors the SQL
	// upsert retaking the row for the same hash.
	res, err := engine.Run(ctx, "user-1", testKey, "hash-a", fn)
	require.NoError(t, err)
	require.False(t, res.Replay)
	require.Equal(t, 2, calls)
}

func TestCleanupBatches(t *testing.T) {
	engine, store, now := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		key := recordKey{"user-1", testKey + string(rune('a'+i))}
		store.records[key] = &Record{
			UserID: key.userID, Key: key.key, Status: StatusCompleted,
			ExpiresAt: now.Add(-time.Hour),
		}
	}
	store.records[recordKey{"user-1", "live-key-0123456789"}] = &Record{
		Status: StatusCompleted, ExpiresAt: now.Add(time.Hour),
	}

	total, err := engine.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Len(t, store.records, 1)
}

// blindGetStore simulates a concurrent writer landing a row between the
// engine's check and its claim: the first Get sees nothing even though the
// record exists.
type blindGetStore struct {
	*memoryStore
	misses int
}

func (s *blindGetStore) Get(ctx context.Context, q storage.Querier, userID, key string, now time.Time) (*Record, error) {
	if s.misses > 0 {
		s.misses--
		return nil, nil
	}
	return s.memoryStore.Get(ctx, q, userID, key, now)
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newRacingEngines(t *testing.T) (winner, loser *Engine, inner *memoryStore) {
	t.Helper()
	inner = newMemoryStore()
	winner = NewEngine(inner, storagetest.Querier{}, storagetest.NewTransactor(), nil)
	winner.nowFn = fixedNow
	loser = NewEngine(&blindGetStore{memoryStore: inner, misses: 1}, storagetest.Querier{}, storagetest.NewTransactor(), nil)
	loser.nowFn = fixedNow
	return winner, loser, inner
}

func TestBeginRaceYieldsSingleWinner(t *testing.T) {
	winner, loser, inner := newRacingEngines(t)
	ctx := context.Background()

	_, err := winner.Begin(ctx, "user-1", testKey, "hash-a")
	require.NoError(t, err)

	// Same key, same hash: the late claimant must wait, not execute too.
	_, err = loser.Begin(ctx, "user-1", testKey, "hash-a")
	require.ErrorIs(t, err, ErrInFlight)
	require.Equal(t, StatusPending, inner.records[recordKey{"user-1", testKey}].Status)
}

func TestBeginRaceReplaysCompletedRow(t *testing.T) {
	winner, loser, _ := newRacingEngines(t)
	ctx := context.Background()

	first, err := winner.Run(ctx, "user-1", testKey, "hash-a", func(ctx context.Context, q storage.Querier) (int, []byte, error) {
		return 201, []byte(`{"payment_id":"pay-1"}`), nil
	})
	require.NoError(t, err)

	res, err := loser.Begin(ctx, "user-1", testKey, "hash-a")
	require.NoError(t, err)
	require.True(t, res.Replay)
	require.Equal(t, 201, res.StatusCode)
	require.Equal(t, first.Response, res.Response)
}

func TestBeginRaceConflictsOnHashMismatch(t *testing.T) {
	winner, loser, _ := newRacingEngines(t)
	ctx := context.Background()

	_, err := winner.Begin(ctx, "user-1", testKey, "hash-a")
	require.NoError(t, err)

	_, err = loser.Begin(ctx, "user-1", testKey, "hash-b")
	require.ErrorIs(t, err, ErrConflict)
}

func TestAcquireDoesNotClaimLiveRows(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	now := fixedNow()
	expires := now.Add(KeyTTL)

	claim, err := store.Acquire(ctx, storagetest.Querier{}, "user-1", testKey, "hash-a", now, expires)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.True(t, claim.Inserted)

	// Pending row held by the first claimant blocks everyone else.
	claim, err = store.Acquire(ctx, storagetest.Querier{}, "user-1", testKey, "hash-a", now, expires)
	require.NoError(t, err)
	require.Nil(t, claim)
}

// finalizeSpyStore records which Querier finalization ran on and can fail it.
type finalizeSpyStore struct {
	*memoryStore
	completeQ    storage.Querier
	failComplete int
}

func (s *finalizeSpyStore) Complete(ctx context.Context, q storage.Querier, userID, key string, statusCode int, response []byte) error {
	s.completeQ = q
	if s.failComplete > 0 {
		s.failComplete--
		return errors.New("connection reset")
	}
	return s.memoryStore.Complete(ctx, q, userID, key, statusCode, response)
}

func TestRunFinalizesOnHandlerTransaction(t *testing.T) {
	store := &finalizeSpyStore{memoryStore: newMemoryStore()}
	tx := storagetest.NewTransactor()
	engine := NewEngine(store, storagetest.Querier{}, tx, nil)
	engine.nowFn = fixedNow
	ctx := context.Background()

	var fnQ storage.Querier
	res, err := engine.Run(ctx, "user-1", testKey, "hash-a", func(ctx context.Context, q storage.Querier) (int, []byte, error) {
		fnQ = q
		return 201, []byte(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	require.Equal(t, 201, res.StatusCode)
	require.Equal(t, 1, tx.Transactions)
	// The cached response commits on the same transaction as fn's writes.
	require.Equal(t, fnQ, store.completeQ)
}

func TestRunReleasesKeyWhenFinalizeFails(t *testing.T) {
	inner := newMemoryStore()
	store := &finalizeSpyStore{memoryStore: inner, failComplete: 1}
	engine := NewEngine(store, storagetest.Querier{}, storagetest.NewTransactor(), nil)
	engine.nowFn = fixedNow
	ctx := context.Background()
	calls := 0
	fn := func(ctx context.Context, q storage.Querier) (int, []byte, error) {
		calls++
		return 200, []byte(`{"ok":true}`), nil
	}

	_, err := engine.Run(ctx, "user-1", testKey, "hash-a", fn)
	require.Error(t, err)
	require.Equal(t, StatusFailed, inner.records[recordKey{"user-1", testKey}].Status)

	// The key is retryable, never stuck pending until expiry.
	res, err := engine.Run(ctx, "user-1", testKey, "hash-a", fn)
	require.NoError(t, err)
	require.False(t, res.Replay)
	require.Equal(t, 2, calls)
	require.Equal(t, StatusCompleted, inner.records[recordKey{"user-1", testKey}].Status)
}
