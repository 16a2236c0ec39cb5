package affiliate

import (
	"context"
	"log/slog"
	"time"
)

// Defaults for Options fields left zero.
const (
	DefaultRecoveryDelay       = 24 * time.Hour
	DefaultRenewalWindow       = 30 * 24 * time.Hour
	DefaultPhoneRegion         = "KR"
	DefaultOutboxBatchSize     = 100
	DefaultMaxDeliveryAttempts = 5
)

// Metrics receives engine events. metrics.Metrics implements it with
// Prometheus collectors.
type Metrics interface {
	SaleTransition(to SaleStatus)
	CommissionBooked(b Beneficiary, amount Amount)
	ContractTransition(to ContractStatus)
	RecoveryFinished(outcome string, leadsMoved int)
	NotificationDelivered(outcome string)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) SaleTransition(SaleStatus)            {}
func (NopMetrics) CommissionBooked(Beneficiary, Amount) {}
func (NopMetrics) ContractTransition(ContractStatus)    {}
func (NopMetrics) RecoveryFinished(string, int)         {}
func (NopMetrics) NotificationDelivered(string)         {}

// Options configures NewEngine. Zero values pick the defaults above.
type Options struct {
	Logger              *slog.Logger
	Now                 func() time.Time
	Metrics             Metrics
	Notifier            Notifier
	PhoneRegion         string
	RecoveryDelay       time.Duration
	RenewalWindow       time.Duration
	OutboxBatchSize     int
	MaxDeliveryAttempts int
}

// core is the state every service shares.
type core struct {
	store      TxStore
	logger     *slog.Logger
	now        func() time.Time
	metrics    Metrics
	dispatcher *Dispatcher
}

func (c *core) clock() time.Time { return c.now().UTC() }

// afterCommit delivers whatever the committed unit of work enqueued.
// Delivery failures are logged, never returned.
func (c *core) afterCommit(ctx context.Context) {
	if c.dispatcher == nil {
		return
	}
	if _, err := c.dispatcher.Flush(ctx); err != nil {
		c.logger.Warn("outbox flush failed", "error", err)
	}
}

// Engine wires every component over one store.
type Engine struct {
	Store      TxStore
	Directory  *Directory
	Resolver   *OwnershipResolver
	Leads      *LeadService
	Calculator *CommissionCalculator
	Sales      *SaleService
	Contracts  *ContractService
	Dispatcher *Dispatcher
}

func NewEngine(store TxStore, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.PhoneRegion == "" {
		opts.PhoneRegion = DefaultPhoneRegion
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = DefaultRecoveryDelay
	}
	if opts.RenewalWindow <= 0 {
		opts.RenewalWindow = DefaultRenewalWindow
	}
	if opts.OutboxBatchSize <= 0 {
		opts.OutboxBatchSize = DefaultOutboxBatchSize
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = DefaultMaxDeliveryAttempts
	}

	c := &core{
		store:   store,
		logger:  opts.Logger,
		now:     opts.Now,
		metrics: opts.Metrics,
	}
	if opts.Notifier != nil {
		c.dispatcher = &Dispatcher{
			Store:       store,
			Notifier:    opts.Notifier,
			Logger:      opts.Logger.With("component", "outbox"),
			Metrics:     opts.Metrics,
			Now:         opts.Now,
			BatchSize:   opts.OutboxBatchSize,
			MaxAttempts: opts.MaxDeliveryAttempts,
		}
	}

	dir := &Directory{core: c}
	resolver := &OwnershipResolver{core: c, Region: opts.PhoneRegion}
	calc := &CommissionCalculator{}
	return &Engine{
		Store:      store,
		Directory:  dir,
		Resolver:   resolver,
		Leads:      &LeadService{core: c, resolver: resolver},
		Calculator: calc,
		Sales:      &SaleService{core: c, resolver: resolver, calculator: calc},
		Contracts: &ContractService{
			core:          c,
			RecoveryDelay: opts.RecoveryDelay,
			RenewalWindow: opts.RenewalWindow,
		},
		Dispatcher: c.dispatcher,
	}
}

// getPartner loads a partner or returns a NotFoundError.
func getPartner(ctx context.Context, s PartnerStore, id PartnerID) (*Partner, error) {
	p, err := s.GetPartner(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, notFound("partner", string(id))
	}
	return p, nil
}

func ptr[T any](v T) *T { return &v }
