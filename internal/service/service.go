package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cashback-api/internal/cache"
	"cashback-api/internal/eligibility"
	"cashback-api/internal/events"
	"cashback-api/internal/features"
	"cashback-api/internal/metrics"
	"cashback-api/internal/models"
	"cashback-api/internal/store"
	"cashback-api/internal/tracing"
	"cashback-api/internal/validation"
)

// Service provides business logic for the cashback API.
type Service struct {
	store    store.Store
	cache    cache.Cache
	cacheTTL time.Duration
	events   *events.Manager
	features *features.Manager
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer
	logger   *slog.Logger

	// pipeline serialises ingest, evaluation and award so that no two
	// transactions can spend the same remaining budget or redemption.
	pipeline sync.Mutex
}

// Options holds optional collaborators. Nil fields fall back to no-op or
// in-process defaults.
type Options struct {
	Cache    cache.Cache
	CacheTTL time.Duration
	Events   *events.Manager
	Features *features.Manager
	Metrics  *metrics.Metrics
	Tracer   *tracing.Tracer
	Logger   *slog.Logger
}

// NewService creates a new service instance with default collaborators.
func NewService(st store.Store) *Service {
	return NewServiceWithOptions(st, Options{})
}

// NewServiceWithOptions creates a new service instance.
func NewServiceWithOptions(st store.Store, opts Options) *Service {
	s := &Service{
		store:    st,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		events:   opts.Events,
		features: opts.Features,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}
	if s.cache == nil {
		s.cache = cache.NewInMemoryCache()
	}
	if s.events == nil {
		s.events = events.NewManager(false)
	}
	if s.features == nil {
		s.features = features.NewDefaultManager()
	}
	if s.tracer == nil {
		s.tracer = tracing.NewNoop()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateRuleSet validates and stores a ruleset. Pending counters start at
// the original budget and redemption limit.
func (s *Service) CreateRuleSet(ctx context.Context, req models.CreateRuleSetRequest) (models.RuleSet, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.CreateRuleSet")
	defer span.End()

	if err := validation.ValidateRuleSet(req); err != nil {
		return models.RuleSet{}, err
	}

	rs, err := s.store.AddRuleSet(ctx, req.RuleSet())
	if err != nil {
		s.metrics.ObserveError("add_ruleset")
		span.SetStatus(codes.Error, err.Error())
		return models.RuleSet{}, fmt.Errorf("failed to add ruleset: %w", err)
	}

	span.SetAttributes(attribute.String("ruleset.id", rs.ID))
	s.metrics.ObserveRuleSetCreated()
	s.publish(func() { s.events.PublishRuleSetCreated(ctx, rs) })
	s.logger.InfoContext(ctx, "ruleset created",
		"ruleset_id", rs.ID,
		"start_date", rs.StartDate.String(),
		"end_date", rs.EndDate.String(),
	)

	return rs, nil
}

// RecordTransaction stores a transaction and awards it at most one cashback.
// The returned cashback is nil when no ruleset applied.
func (s *Service) RecordTransaction(ctx context.Context, txn models.Transaction) (models.Transaction, *models.Cashback, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.RecordTransaction")
	defer span.End()

	if err := validation.ValidateTransaction(txn); err != nil {
		return models.Transaction{}, nil, err
	}
	span.SetAttributes(
		attribute.String("transaction.id", txn.ID),
		attribute.String("customer.id", txn.CustomerID),
	)

	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	saved, err := s.store.AddTransaction(ctx, txn)
	if err != nil {
		s.metrics.ObserveError("add_transaction")
		span.SetStatus(codes.Error, err.Error())
		return models.Transaction{}, nil, fmt.Errorf("failed to add transaction: %w", err)
	}

	awarded, err := s.awardCashback(ctx, saved)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.Transaction{}, nil, err
	}

	if awarded != nil {
		s.metrics.ObserveTransaction(true, awarded.Amount)
		span.SetAttributes(
			attribute.String("cashback.id", awarded.ID),
			attribute.Int64("cashback.amount", awarded.Amount),
		)
	} else {
		s.metrics.ObserveTransaction(false, 0)
	}
	s.publish(func() { s.events.PublishTransactionRecorded(ctx, saved, awarded != nil) })

	return saved, awarded, nil
}

// awardCashback evaluates the rulesets active on the transaction date and
// persists the best award, if any. Callers must hold the pipeline lock.
func (s *Service) awardCashback(ctx context.Context, txn models.Transaction) (*models.Cashback, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.awardCashback")
	defer span.End()

	active, err := s.store.RuleSetsActiveOn(ctx, txn.Date)
	if err != nil {
		s.metrics.ObserveError("active_rulesets")
		return nil, fmt.Errorf("failed to get active rulesets: %w", err)
	}

	count, err := s.store.TransactionCountForCustomer(ctx, txn.CustomerID)
	if err != nil {
		s.metrics.ObserveError("count_transactions")
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	prior := eligibility.PriorTransactions(count)

	eligible, err := eligibility.Filter(active, prior, func(ruleSetID string) (bool, error) {
		return s.store.HasCashback(ctx, ruleSetID, txn.CustomerID)
	})
	if err != nil {
		s.metrics.ObserveError("filter")
		return nil, fmt.Errorf("failed to filter rulesets: %w", err)
	}

	span.SetAttributes(
		attribute.Int("rulesets.active", len(active)),
		attribute.Int("rulesets.eligible", len(eligible)),
		attribute.Int("customer.prior_transactions", prior),
	)

	best, ok := eligibility.SelectBest(eligibility.Candidates(eligible))
	if !ok {
		s.logger.DebugContext(ctx, "no cashback applicable",
			"transaction_id", txn.ID,
			"customer_id", txn.CustomerID,
			"active_rulesets", len(active),
		)
		return nil, nil
	}

	cb, err := s.applyAward(ctx, txn, best)
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// applyAward writes the winning cashback and charges it to the ruleset it
// came from, as one store operation.
func (s *Service) applyAward(ctx context.Context, txn models.Transaction, best eligibility.Candidate) (models.Cashback, error) {
	cb, err := s.store.RecordAward(ctx, models.Cashback{
		RuleSetID:            best.RuleSetID,
		CustomerID:           txn.CustomerID,
		TransactionID:        txn.ID,
		NumericTransactionID: txn.NumericID,
		Amount:               best.Amount,
	}, best.Amount, 1)
	if err != nil {
		s.metrics.ObserveError("record_award")
		return models.Cashback{}, fmt.Errorf("failed to record cashback: %w", err)
	}

	s.invalidateCashbackCache(ctx)
	s.publish(func() { s.events.PublishCashbackAwarded(ctx, cb) })
	s.logger.InfoContext(ctx, "cashback awarded",
		"cashback_id", cb.ID,
		"ruleset_id", cb.RuleSetID,
		"transaction_id", cb.TransactionID,
		"amount", cb.Amount,
	)

	return cb, nil
}

// ListCashback returns the {transactionId, amount} projection of every award.
func (s *Service) ListCashback(ctx context.Context) ([]models.CashbackSummary, error) {
	ctx, span := s.tracer.StartSpan(ctx, "service.ListCashback")
	defer span.End()

	if !s.features.IsEnabled(features.FeatureCacheEnabled) {
		return s.cashbackSummaries(ctx)
	}

	var cached []models.CashbackSummary
	err := cache.GetJSON(ctx, s.cache, cache.CashbackListKey, &cached)
	if err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return cached, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		s.logger.WarnContext(ctx, "cashback cache read failed", "error", err)
	}

	// Read and fill under the pipeline lock so an award cannot land between
	// the snapshot and the cache write.
	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	summaries, err := s.cashbackSummaries(ctx)
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, s.cache, cache.CashbackListKey, summaries, s.cacheTTL); err != nil {
		s.logger.WarnContext(ctx, "cashback cache write failed", "error", err)
	}

	return summaries, nil
}

func (s *Service) cashbackSummaries(ctx context.Context) ([]models.CashbackSummary, error) {
	summaries, err := s.store.CashbackSummaries(ctx)
	if err != nil {
		s.metrics.ObserveError("list_cashback")
		return nil, fmt.Errorf("failed to list cashback: %w", err)
	}
	if summaries == nil {
		summaries = []models.CashbackSummary{}
	}
	return summaries, nil
}

// ListRuleSets returns every ruleset with its current pending counters.
func (s *Service) ListRuleSets(ctx context.Context) ([]models.RuleSet, error) {
	ruleSets, err := s.store.RuleSets(ctx)
	if err != nil {
		s.metrics.ObserveError("list_rulesets")
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}
	if ruleSets == nil {
		ruleSets = []models.RuleSet{}
	}
	return ruleSets, nil
}

// ListTransactions returns every recorded transaction.
func (s *Service) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	transactions, err := s.store.Transactions(ctx)
	if err != nil {
		s.metrics.ObserveError("list_transactions")
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if transactions == nil {
		transactions = []models.Transaction{}
	}
	return transactions, nil
}

func (s *Service) invalidateCashbackCache(ctx context.Context) {
	if err := s.cache.Delete(ctx, cache.CashbackListKey); err != nil {
		s.logger.WarnContext(ctx, "cashback cache invalidation failed", "error", err)
	}
}

func (s *Service) publish(fn func()) {
	if s.features.IsEnabled(features.FeatureEventHooksEnabled) {
		fn()
	}
}
