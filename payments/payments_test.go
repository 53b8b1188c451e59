package payments

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"edbase/audit"
	"edbase/storage"
	"edbase/storage/storagetest"
)

type memoryStore struct {
	payments map[string]*Payment
}

func newMemoryStore() *memoryStore {
	return &memoryStore{payments: make(map[string]*Payment)}
}

func (m *memoryStore) Insert(ctx context.Context, q storage.Querier, p *Payment) error {
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *memoryStore) Get(ctx context.Context, q storage.Querier, id string) (*Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryStore) UpdateStatus(ctx context.Context, q storage.Querier, id string, from, to Status, gatewayRef, failureReason string, at time.Time) (bool, error) {
	p, ok := m.payments[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	if gatewayRef != "" {
		p.GatewayRef = gatewayRef
	}
	if failureReason != "" {
		p.FailureReason = failureReason
	}
	p.UpdatedAt = at
	return true, nil
}

func (m *memoryStore) ListForTeam(ctx context.Context, q storage.Querier, teamID string, before time.Time, beforeID string, limit int) ([]Payment, error) {
	var all []Payment
	for _, p := range m.payments {
		if p.TeamID != teamID {
			continue
		}
		if p.CreatedAt.After(before) || (p.CreatedAt.Equal(before) && p.ID >= beforeID) {
			continue
		}
		all = append(all, *p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func newTestEngine(t *testing.T) (*Engine, *memoryStore, *time.Time) {
	t.Helper()
	store := newMemoryStore()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	recorder := audit.NewRecorder("audit-secret", nil)
	engine := NewEngine(store, storagetest.Querier{}, storagetest.NewTransactor(), recorder, "cursor-secret", nil)
	engine.nowFn = func() time.Time { return now }
	return engine, store, &now
}

var systemActor = Actor{Type: audit.ActorSystem}

func TestCreateValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []CreateRequest{
		{UserID: "", TeamID: "team-1", AmountCents: 100, Currency: "USD"},
		{UserID: "user-1", TeamID: "team-1", AmountCents: 0, Currency: "USD"},
		{UserID: "user-1", TeamID: "team-1", AmountCents: -5, Currency: "USD"},
		{UserID: "user-1", TeamID: "team-1", AmountCents: 100, Currency: "usd"},
		{UserID: "user-1", TeamID: "team-1", AmountCents: 100, Currency: "DOLLARS"},
	}
	for _, req := range cases {
		_, err := engine.Create(ctx, req)
		require.ErrorIs(t, err, ErrValidation, "%+v", req)
	}
}

func TestCreateStartsPending(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	p, err := engine.Create(context.Background(), CreateRequest{
		UserID: "user-1", TeamID: "team-1", IdempotencyKey: "key-0123456789abcdef",
		AmountCents: 2500, Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.Equal(t, StatusPending, store.payments[p.ID].Status)
}

func TestCompleteHappyPath(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	p, err := engine.Create(ctx, CreateRequest{
		UserID: "user-1", TeamID: "team-1", AmountCents: 2500, Currency: "USD",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Complete(ctx, p.ID, "ch_123", systemActor))
	got := store.payments[p.ID]
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, "ch_123", got.GatewayRef)
}

func TestCompleteIdempotentWithSameRef(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	p, err := engine.Create(ctx, CreateRequest{
		UserID: "user-1", TeamID: "team-1", AmountCents: 2500, Currency: "USD",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Complete(ctx, p.ID, "ch_123", systemActor))
	// A gateway retry with the same reference succeeds without a write.
	require.NoError(t, engine.Complete(ctx, p.ID, "ch_123", systemActor))

	// A different reference for an already completed payment is refused.
	err = engine.Complete(ctx, p.ID, "ch_999", systemActor)
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()
	p, err := engine.Create(ctx, CreateRequest{
		UserID: "user-1", TeamID: "team-1", AmountCents: 2500, Currency: "USD",
	})
	require.NoError(t, err)
	require.NoError(t, engine.Fail(ctx, p.ID, "card declined", systemActor))

	var invalid *InvalidTransitionError
	require.ErrorAs(t, engine.Complete(ctx, p.ID, "ch_123", systemActor), &invalid)
	require.Equal(t, StatusFailed, invalid.From)
	require.Equal(t, StatusCompleted, invalid.To)

	require.ErrorAs(t, engine.Refund(ctx, p.ID, "oops", systemActor), &invalid)
	require.ErrorAs(t, engine.Cancel(ctx, p.ID, systemActor), &invalid)
}

func TestRefundOnlyFromCompleted(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()
	p, err := engine.Create(ctx, CreateRequest{
		UserID: "user-1", TeamID: "team-1", AmountCents: 2500, Currency: "USD",
	})
	require.NoError(t, err)

	var invalid *InvalidTransitionError
	require.ErrorAs(t, engine.Refund(ctx, p.ID, "customer request", systemActor), &invalid)

	require.NoError(t, engine.Complete(ctx, p.ID, "ch_123", systemActor))
	require.NoError(t, engine.Refund(ctx, p.ID, "customer request", systemActor))
	require.Equal(t, StatusRefunded, store.payments[p.ID].Status)
	// Refunded is terminal.
	require.ErrorAs(t, engine.Cancel(ctx, p.ID, systemActor), &invalid)
}

func TestTransitionUnknownPayment(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	err := engine.Complete(context.Background(), "missing", "ch_123", systemActor)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStateMachineTable(t *testing.T) {
	require.True(t, CanTransition(StatusPending, StatusCompleted))
	require.True(t, CanTransition(StatusPending, StatusFailed))
	require.True(t, CanTransition(StatusPending, StatusCancelled))
	require.True(t, CanTransition(StatusCompleted, StatusRefunded))
	require.False(t, CanTransition(StatusCompleted, StatusPending))
	require.False(t, CanTransition(StatusFailed, StatusCompleted))
	require.False(t, CanTransition(StatusRefunded, StatusCompleted))
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.True(t, StatusRefunded.Terminal())
	require.False(t, StatusPending.Terminal())
}

func TestListForTeamPaginates(t *testing.T) {
	engine, _, now := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		_, err := engine.Create(ctx, CreateRequest{
			UserID: "user-1", TeamID: "team-1", AmountCents: int64(100 + i), Currency: "USD",
		})
		require.NoError(t, err)
		*now = now.Add(time.Minute)
	}

	page1, cursor, err := engine.ListForTeam(ctx, "team-1", "", 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotEmpty(t, cursor)

	page2, cursor2, err := engine.ListForTeam(ctx, "team-1", cursor, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)
	require.NotEmpty(t, cursor2)

	page3, cursor3, err := engine.ListForTeam(ctx, "team-1", cursor2, 3)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	require.Empty(t, cursor3)

	seen := make(map[string]bool)
	for _, page := range [][]Payment{page1, page2, page3} {
		for _, p := range page {
			require.False(t, seen[p.ID], "duplicate across pages")
			seen[p.ID] = true
		}
	}
	require.Len(t, seen, 7)
	// Newest first.
	require.True(t, page1[0].CreatedAt.After(page1[2].CreatedAt))
}

func TestListForTeamRejectsForgedCursor(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	_, _, err := engine.ListForTeam(context.Background(), "team-1", "forged-cursor", 10)
	require.ErrorIs(t, err, ErrValidation)
}
