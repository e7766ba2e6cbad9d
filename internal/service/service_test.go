package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cashback-api/internal/cache"
	"cashback-api/internal/database"
	"cashback-api/internal/events"
	"cashback-api/internal/features"
	"cashback-api/internal/models"
	"cashback-api/internal/store"
	"cashback-api/internal/validation"
)

func i64(v int64) *int64 { return &v }
func intp(v int) *int    { return &v }

func date(t *testing.T, s string) models.Date {
	t.Helper()
	d, err := models.ParseDate(s)
	require.NoError(t, err)
	return d
}

// backends runs fn once against each Store implementation.
func backends(t *testing.T, fn func(t *testing.T, st store.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		db, _ := openSQLite(t)
		fn(t, db)
	})
}

func openSQLite(t *testing.T) (*database.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cashback.db")
	db, err := database.NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func yearRuleSet(t *testing.T, budget, limit int64, minTxns int, amount int64) models.CreateRuleSetRequest {
	return models.CreateRuleSetRequest{
		StartDate:       date(t, "2024-01-01"),
		EndDate:         date(t, "2024-12-31"),
		Budget:          i64(budget),
		RedemptionLimit: i64(limit),
		MinTransactions: intp(minTxns),
		Amount:          i64(amount),
	}
}

func txn(t *testing.T, customerID, when string) models.Transaction {
	return models.Transaction{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Date:       date(t, when),
	}
}

func findRuleSet(t *testing.T, svc *Service, id string) models.RuleSet {
	t.Helper()
	all, err := svc.ListRuleSets(context.Background())
	require.NoError(t, err)
	for _, rs := range all {
		if rs.ID == id {
			return rs
		}
	}
	t.Fatalf("ruleset %s not found", id)
	return models.RuleSet{}
}

func TestRecordTransaction_RepeatCustomerScenario(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		rs, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 0, 10))
		require.NoError(t, err)

		_, first, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
		require.NoError(t, err)
		require.NotNil(t, first, "zero prior transactions satisfies minTransactions 0")
		assert.Equal(t, int64(10), first.Amount)
		assert.Equal(t, rs.ID, first.RuleSetID)

		_, second, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
		require.NoError(t, err)
		assert.Nil(t, second, "a ruleset awards a customer only once")

		got := findRuleSet(t, svc, rs.ID)
		assert.Equal(t, int64(90), *got.PendingBudget)
		assert.Equal(t, int64(4), *got.PendingRedemptionLimit)
		assert.Equal(t, int64(100), *got.Budget)
		assert.Equal(t, int64(5), *got.RedemptionLimit)

		cashback, err := svc.ListCashback(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.CashbackSummary{{TransactionID: first.TransactionID, Amount: 10}}, cashback)
	})
}

func TestRecordTransaction_MinTransactionsGating(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		_, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 1, 10))
		require.NoError(t, err)

		_, first, err := svc.RecordTransaction(ctx, txn(t, "bob", "2024-06-01"))
		require.NoError(t, err)
		assert.Nil(t, first)

		_, second, err := svc.RecordTransaction(ctx, txn(t, "bob", "2024-06-02"))
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, int64(10), second.Amount)
	})
}

func TestRecordTransaction_RedemptionLimitExhaustion(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		rs, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 1, 0, 10))
		require.NoError(t, err)

		_, first, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
		require.NoError(t, err)
		require.NotNil(t, first)

		_, second, err := svc.RecordTransaction(ctx, txn(t, "bob", "2024-06-01"))
		require.NoError(t, err)
		assert.Nil(t, second)

		got := findRuleSet(t, svc, rs.ID)
		assert.Equal(t, int64(0), *got.PendingRedemptionLimit)
		assert.Equal(t, int64(90), *got.PendingBudget)
	})
}

func TestRecordTransaction_BudgetCapAndZeroAward(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		rs, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 60, 3, 0, 50))
		require.NoError(t, err)

		_, a, err := svc.RecordTransaction(ctx, txn(t, "a", "2024-03-01"))
		require.NoError(t, err)
		require.NotNil(t, a)
		assert.Equal(t, int64(50), a.Amount)

		_, b, err := svc.RecordTransaction(ctx, txn(t, "b", "2024-03-01"))
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, int64(10), b.Amount, "award is capped by the remaining budget")

		// Budget is spent but one redemption remains, so a zero award is written.
		_, c, err := svc.RecordTransaction(ctx, txn(t, "c", "2024-03-01"))
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, int64(0), c.Amount)

		got := findRuleSet(t, svc, rs.ID)
		assert.Equal(t, int64(0), *got.PendingBudget)
		assert.Equal(t, int64(0), *got.PendingRedemptionLimit)

		_, d, err := svc.RecordTransaction(ctx, txn(t, "d", "2024-03-01"))
		require.NoError(t, err)
		assert.Nil(t, d)
	})
}

func TestRecordTransaction_PicksLargestEarliestOnTie(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		var ids []string
		for _, amount := range []int64{5, 20, 20, 3} {
			rs, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 0, amount))
			require.NoError(t, err)
			ids = append(ids, rs.ID)
		}

		_, cb, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
		require.NoError(t, err)
		require.NotNil(t, cb)
		assert.Equal(t, ids[1], cb.RuleSetID)
		assert.Equal(t, int64(20), cb.Amount)

		// The next transaction moves on to the other 20 ruleset.
		_, cb, err = svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-02"))
		require.NoError(t, err)
		require.NotNil(t, cb)
		assert.Equal(t, ids[2], cb.RuleSetID)
	})
}

func TestRecordTransaction_OutsideWindow(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		_, err := svc.CreateRuleSet(ctx, models.CreateRuleSetRequest{
			StartDate:       date(t, "2024-02-01"),
			EndDate:         date(t, "2024-02-29"),
			Budget:          i64(100),
			RedemptionLimit: i64(5),
			Amount:          i64(10),
		})
		require.NoError(t, err)

		for _, when := range []string{"2024-01-31T23:59:59Z", "2024-03-01"} {
			_, cb, err := svc.RecordTransaction(ctx, txn(t, uuid.NewString(), when))
			require.NoError(t, err)
			assert.Nil(t, cb, when)
		}

		for _, when := range []string{"2024-02-01", "2024-02-29"} {
			_, cb, err := svc.RecordTransaction(ctx, txn(t, uuid.NewString(), when))
			require.NoError(t, err)
			assert.NotNil(t, cb, when)
		}
	})
}

func TestRecordTransaction_OptionalCaps(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		noLimit, err := svc.CreateRuleSet(ctx, models.CreateRuleSetRequest{
			StartDate: date(t, "2024-01-01"),
			EndDate:   date(t, "2024-12-31"),
			Budget:    i64(1000),
			Amount:    i64(99),
		})
		require.NoError(t, err)

		_, cb, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
		require.NoError(t, err)
		assert.Nil(t, cb, "a ruleset without a redemption limit never awards")

		noBudget, err := svc.CreateRuleSet(ctx, models.CreateRuleSetRequest{
			StartDate:       date(t, "2024-01-01"),
			EndDate:         date(t, "2024-12-31"),
			RedemptionLimit: i64(2),
			Amount:          i64(7),
		})
		require.NoError(t, err)

		_, cb, err = svc.RecordTransaction(ctx, txn(t, "bob", "2024-06-01"))
		require.NoError(t, err)
		require.NotNil(t, cb)
		assert.Equal(t, noBudget.ID, cb.RuleSetID)
		assert.Equal(t, int64(7), cb.Amount)

		got := findRuleSet(t, svc, noBudget.ID)
		assert.Nil(t, got.PendingBudget)
		assert.Equal(t, int64(1), *got.PendingRedemptionLimit)
		assert.Nil(t, findRuleSet(t, svc, noLimit.ID).PendingRedemptionLimit)
	})
}

func TestRecordTransaction_ConcurrentLastRedemption(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		rs, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 1000, 3, 0, 10))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var mu sync.Mutex
		awards := 0
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, cb, err := svc.RecordTransaction(ctx, txn(t, fmt.Sprintf("customer-%d", i), "2024-06-01"))
				assert.NoError(t, err)
				if cb != nil {
					mu.Lock()
					awards++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 3, awards)
		got := findRuleSet(t, svc, rs.ID)
		assert.Equal(t, int64(0), *got.PendingRedemptionLimit)
		assert.Equal(t, int64(970), *got.PendingBudget)
	})
}

func TestRecordTransaction_CountersStayInRange(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory())

	for i, amount := range []int64{15, 40, 7} {
		_, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 50, int64(i+2), i%2, amount))
		require.NoError(t, err)
	}

	customers := []string{"a", "b", "c", "d"}
	type pair struct{ ruleSet, customer string }
	seen := make(map[pair]bool)
	for i := 0; i < 40; i++ {
		_, cb, err := svc.RecordTransaction(ctx, txn(t, customers[i%len(customers)], "2024-07-01"))
		require.NoError(t, err)
		if cb == nil {
			continue
		}
		p := pair{cb.RuleSetID, cb.CustomerID}
		assert.False(t, seen[p], "duplicate award for %v", p)
		seen[p] = true
	}

	ruleSets, err := svc.ListRuleSets(ctx)
	require.NoError(t, err)
	for _, rs := range ruleSets {
		assert.GreaterOrEqual(t, *rs.PendingBudget, int64(0))
		assert.LessOrEqual(t, *rs.PendingBudget, *rs.Budget)
		assert.GreaterOrEqual(t, *rs.PendingRedemptionLimit, int64(0))
		assert.LessOrEqual(t, *rs.PendingRedemptionLimit, *rs.RedemptionLimit)
	}
}

func TestRecordTransaction_ValidationError(t *testing.T) {
	svc := NewService(store.NewMemory())

	_, _, err := svc.RecordTransaction(context.Background(), models.Transaction{ID: "t1"})
	var vErr *validation.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "customerId", vErr.Field)

	transactions, err := svc.ListTransactions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, transactions)
}

func TestCreateRuleSet_ValidationError(t *testing.T) {
	svc := NewService(store.NewMemory())

	_, err := svc.CreateRuleSet(context.Background(), models.CreateRuleSetRequest{})
	assert.Error(t, err)

	ruleSets, err := svc.ListRuleSets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ruleSets)
}

// failingStore fails every lookup of active rulesets.
type failingStore struct {
	store.Store
}

func (failingStore) RuleSetsActiveOn(context.Context, models.Date) ([]models.RuleSet, error) {
	return nil, errors.New("disk on fire")
}

func TestRecordTransaction_StoreErrorIsReturned(t *testing.T) {
	svc := NewService(failingStore{Store: store.NewMemory()})

	_, _, err := svc.RecordTransaction(context.Background(), txn(t, "alice", "2024-06-01"))
	assert.ErrorContains(t, err, "disk on fire")
}

func TestListCashback_CacheInvalidatedOnAward(t *testing.T) {
	ctx := context.Background()
	flags := features.NewDefaultManager()
	flags.Enable(features.FeatureCacheEnabled)
	c := cache.NewInMemoryCache()

	svc := NewServiceWithOptions(store.NewMemory(), Options{Cache: c, Features: flags})

	_, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 0, 10))
	require.NoError(t, err)

	empty, err := svc.ListCashback(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
	_, err = c.Get(ctx, cache.CashbackListKey)
	require.NoError(t, err, "projection should be cached")

	_, cb, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
	require.NoError(t, err)
	require.NotNil(t, cb)

	_, err = c.Get(ctx, cache.CashbackListKey)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	list, err := svc.ListCashback(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRecordTransaction_PublishesEvents(t *testing.T) {
	ctx := context.Background()
	bus := events.NewSyncManager(true)

	var got []events.EventType
	for _, et := range []events.EventType{events.EventRuleSetCreated, events.EventTransactionRecorded, events.EventCashbackAwarded} {
		bus.Subscribe(et, func(_ context.Context, e events.Event) error {
			got = append(got, e.Type)
			return nil
		})
	}

	svc := NewServiceWithOptions(store.NewMemory(), Options{Events: bus})

	_, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 0, 10))
	require.NoError(t, err)
	_, _, err = svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
	require.NoError(t, err)

	assert.Equal(t, []events.EventType{
		events.EventRuleSetCreated,
		events.EventCashbackAwarded,
		events.EventTransactionRecorded,
	}, got)
}

func TestRecordTransaction_FarDateWindows(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		rs, err := svc.CreateRuleSet(ctx, models.CreateRuleSetRequest{
			StartDate:       date(t, "1600-01-01"),
			EndDate:         date(t, "9999-12-31"),
			Budget:          i64(100),
			RedemptionLimit: i64(5),
			MinTransactions: intp(0),
			Amount:          i64(10),
		})
		require.NoError(t, err)

		for _, when := range []string{"1600-01-01", "2024-06-01", "9999-12-31"} {
			_, cb, err := svc.RecordTransaction(ctx, txn(t, uuid.NewString(), when))
			require.NoError(t, err)
			require.NotNil(t, cb, when)
			assert.Equal(t, rs.ID, cb.RuleSetID)
		}

		_, cb, err := svc.RecordTransaction(ctx, txn(t, uuid.NewString(), "1599-12-31T23:59:59Z"))
		require.NoError(t, err)
		assert.Nil(t, cb)
	})
}

func TestRecordTransaction_AwardRollsBackWhenChargeFails(t *testing.T) {
	ctx := context.Background()
	db, path := openSQLite(t)
	svc := NewService(db)

	rs, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 0, 10))
	require.NoError(t, err)

	// A second connection installs a trigger that fails every ruleset update.
	admin, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	defer admin.Close()
	_, err = admin.Exec(`CREATE TRIGGER reject_ruleset_update BEFORE UPDATE ON rulesets
		BEGIN SELECT RAISE(ABORT, 'ruleset is read-only'); END`)
	require.NoError(t, err)

	_, cb, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
	require.Error(t, err)
	assert.Nil(t, cb)

	cashback, err := svc.ListCashback(ctx)
	require.NoError(t, err)
	assert.Empty(t, cashback)

	got := findRuleSet(t, svc, rs.ID)
	assert.Equal(t, int64(100), *got.PendingBudget)
	assert.Equal(t, int64(5), *got.PendingRedemptionLimit)
}

func TestRecordTransaction_NumericIdentifiers(t *testing.T) {
	backends(t, func(t *testing.T, st store.Store) {
		ctx := context.Background()
		svc := NewService(st)

		_, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 0, 10))
		require.NoError(t, err)

		_, cb, err := svc.RecordTransaction(ctx, models.Transaction{
			ID:                "1",
			NumericID:         true,
			CustomerID:        "42",
			NumericCustomerID: true,
			Date:              date(t, "2024-06-01"),
		})
		require.NoError(t, err)
		require.NotNil(t, cb)
		assert.True(t, cb.NumericTransactionID)

		cashback, err := svc.ListCashback(ctx)
		require.NoError(t, err)
		assert.Equal(t, []models.CashbackSummary{{TransactionID: "1", NumericTransactionID: true, Amount: 10}}, cashback)
	})
}

// gatedStore parks the first CashbackSummaries call after it has read the
// store, until release is closed.
type gatedStore struct {
	store.Store
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) CashbackSummaries(ctx context.Context) ([]models.CashbackSummary, error) {
	summaries, err := g.Store.CashbackSummaries(ctx)
	g.once.Do(func() {
		close(g.reached)
		<-g.release
	})
	return summaries, err
}

func TestListCashback_CacheFillDoesNotHideConcurrentAward(t *testing.T) {
	ctx := context.Background()
	flags := features.NewDefaultManager()
	flags.Enable(features.FeatureCacheEnabled)

	gated := &gatedStore{
		Store:   store.NewMemory(),
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewServiceWithOptions(gated, Options{Cache: cache.NewInMemoryCache(), Features: flags})

	_, err := svc.CreateRuleSet(ctx, yearRuleSet(t, 100, 5, 0, 10))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.ListCashback(ctx)
		assert.NoError(t, err)
	}()

	<-gated.reached
	go func() {
		defer wg.Done()
		_, cb, err := svc.RecordTransaction(ctx, txn(t, "alice", "2024-06-01"))
		assert.NoError(t, err)
		assert.NotNil(t, cb)
	}()

	// Let the award try to run while the listing is parked mid-fill.
	time.Sleep(20 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	list, err := svc.ListCashback(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
