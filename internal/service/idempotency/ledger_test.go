package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

var (
	_ domain.IdempotencyRepository = (*stubLedgerRepo)(nil)
	_ OrderLookup                  = stubOrderLookup{}
)

func TestFingerprint_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := Fingerprint(1, []domain.RequestedItem{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 3}})
	b := Fingerprint(1, []domain.RequestedItem{{ProductID: 1, Quantity: 3}, {ProductID: 2, Quantity: 1}})
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}

func TestFingerprint_DistinguishesPayloads(t *testing.T) {
	t.Parallel()

	base := Fingerprint(1, []domain.RequestedItem{{ProductID: 1, Quantity: 2}})
	cases := map[string]string{
		"other customer": Fingerprint(2, []domain.RequestedItem{{ProductID: 1, Quantity: 2}}),
		"other product":  Fingerprint(1, []domain.RequestedItem{{ProductID: 3, Quantity: 2}}),
		"other quantity": Fingerprint(1, []domain.RequestedItem{{ProductID: 1, Quantity: 5}}),
		"extra item":     Fingerprint(1, []domain.RequestedItem{{ProductID: 1, Quantity: 2}, {ProductID: 4, Quantity: 1}}),
	}
	for name, fp := range cases {
		require.NotEqual(t, base, fp, name)
	}
}

func TestLedgerResolve_Fresh(t *testing.T) {
	t.Parallel()

	repo := newStubLedgerRepo()
	ledger := NewLedger(time.Hour)

	res, err := ledger.Resolve(context.Background(), repo, nil, " key-1 ", "hash-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFresh, res.Outcome)

	record := repo.records["key-1"]
	require.Equal(t, domain.IdempotencyStatusProcessing, record.Status)
	require.WithinDuration(t, time.Now().Add(time.Hour), record.ExpiresAt, time.Minute)
}

func TestLedgerResolve_PermanentByDefault(t *testing.T) {
	t.Parallel()

	for _, retention := range []time.Duration{0, -time.Hour} {
		repo := newStubLedgerRepo()
		ledger := NewLedger(retention)
		require.Zero(t, ledger.Retention())

		_, err := ledger.Resolve(context.Background(), repo, nil, "key-1", "hash-1")
		require.NoError(t, err)
		require.True(t, repo.records["key-1"].ExpiresAt.IsZero())
	}
}

func TestLedgerResolve_ReplayAfterComplete(t *testing.T) {
	t.Parallel()

	repo := newStubLedgerRepo()
	ledger := NewLedger(0)
	ctx := context.Background()

	_, err := ledger.Resolve(ctx, repo, nil, "key-1", "hash-1")
	require.NoError(t, err)
	require.NoError(t, ledger.Complete(ctx, repo, "key-1", 42))

	res, err := ledger.Resolve(ctx, repo, nil, "key-1", "hash-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, res.Outcome)
	require.Equal(t, int64(42), res.OrderID)
}

func TestLedgerResolve_ConflictOnDifferentFingerprint(t *testing.T) {
	t.Parallel()

	repo := newStubLedgerRepo()
	repo.records["key-1"] = domain.IdempotencyRecord{
		Key: "key-1", RequestHash: "hash-1", Status: domain.IdempotencyStatusDone, OrderID: 7,
	}

	_, err := NewLedger(0).Resolve(context.Background(), repo, nil, "key-1", "hash-2")
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
	require.False(t, domain.IsTransient(err))
}

func TestLedgerResolve_InFlightIsTransient(t *testing.T) {
	t.Parallel()

	repo := newStubLedgerRepo()
	repo.records["key-1"] = domain.IdempotencyRecord{
		Key: "key-1", RequestHash: "hash-1", Status: domain.IdempotencyStatusProcessing,
	}

	_, err := NewLedger(0).Resolve(context.Background(), repo, nil, "key-1", "hash-1")
	require.True(t, domain.IsTransient(err), "got %v", err)
}

func TestLedgerResolve_Validation(t *testing.T) {
	t.Parallel()

	ledger := NewLedger(0)
	repo := newStubLedgerRepo()

	_, err := ledger.Resolve(context.Background(), repo, nil, "   ", "hash")
	require.True(t, domain.IsValidation(err))

	_, err = ledger.Resolve(context.Background(), repo, nil, "key", "")
	require.True(t, domain.IsValidation(err))
	require.Empty(t, repo.records)
}

func TestLedgerResolve_RepositoryError(t *testing.T) {
	t.Parallel()

	repo := newStubLedgerRepo()
	repo.reserveErr = errors.New("connection reset")

	_, err := NewLedger(0).Resolve(context.Background(), repo, nil, "key-1", "hash-1")
	require.ErrorIs(t, err, repo.reserveErr)
}

func TestLedgerResolve_RestoresRecordFromOrder(t *testing.T) {
	t.Parallel()

	items := []domain.RequestedItem{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 3}}
	orders := stubOrderLookup{"key-1": {
		ID:         42,
		CustomerID: 7,
		Items: []domain.OrderItem{
			{ProductID: 1, Quantity: 3},
			{ProductID: 2, Quantity: 1},
		},
	}}
	repo := newStubLedgerRepo()

	res, err := NewLedger(time.Hour).Resolve(context.Background(), repo, orders, "key-1", Fingerprint(7, items))
	require.NoError(t, err)
	require.Equal(t, OutcomeReplay, res.Outcome)
	require.Equal(t, int64(42), res.OrderID)

	record := repo.records["key-1"]
	require.True(t, record.Completed())
	require.Equal(t, int64(42), record.OrderID)
}

func TestLedgerResolve_OrderWithOtherPayloadConflicts(t *testing.T) {
	t.Parallel()

	orders := stubOrderLookup{"key-1": {
		ID:         42,
		CustomerID: 7,
		Items:      []domain.OrderItem{{ProductID: 1, Quantity: 3}},
	}}

	_, err := NewLedger(0).Resolve(context.Background(), newStubLedgerRepo(), orders, "key-1",
		Fingerprint(7, []domain.RequestedItem{{ProductID: 1, Quantity: 4}}))
	require.ErrorIs(t, err, domain.ErrIdempotencyConflict)
}

func TestLedgerResolve_FreshWhenNoOrder(t *testing.T) {
	t.Parallel()

	res, err := NewLedger(0).Resolve(context.Background(), newStubLedgerRepo(), stubOrderLookup{}, "key-1", "hash-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeFresh, res.Outcome)
}

type stubOrderLookup map[string]domain.Order

func (s stubOrderLookup) FindByIdempotencyKey(_ context.Context, key string) (domain.Order, bool, error) {
	order, ok := s[key]
	return order, ok, nil
}

type stubLedgerRepo struct {
	records    map[string]domain.IdempotencyRecord
	reserveErr error
}

func newStubLedgerRepo() *stubLedgerRepo {
	return &stubLedgerRepo{records: make(map[string]domain.IdempotencyRecord)}
}

func (s *stubLedgerRepo) Reserve(_ context.Context, key, requestHash string, expiresAt time.Time) (domain.IdempotencyRecord, bool, error) {
	if s.reserveErr != nil {
		return domain.IdempotencyRecord{}, false, s.reserveErr
	}
	if existing, ok := s.records[key]; ok {
		return existing, false, nil
	}
	record := domain.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      domain.IdempotencyStatusProcessing,
		ExpiresAt:   expiresAt,
	}
	s.records[key] = record
	return record, true, nil
}

func (s *stubLedgerRepo) Complete(_ context.Context, key string, orderID int64) error {
	record, ok := s.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = domain.IdempotencyStatusDone
	record.OrderID = orderID
	s.records[key] = record
	return nil
}
