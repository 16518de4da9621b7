// Package engine implements the order lifecycle: uploads, payments,
// scheduling, confirmations, retransmissions and housekeeping. All state
// transitions run inside store transactions that reread the row before
// mutating it.
package engine

import (
	"context"
	"log/slog"
	"time"

	"satqueue/bidding"
	"satqueue/broker"
	"satqueue/channels"
	"satqueue/config"
	"satqueue/lightning"
	"satqueue/msgstore"
	"satqueue/observability"
	"satqueue/storage"
)

// Issuer is the slice of the Lightning Charge client the engine needs.
type Issuer interface {
	CreateInvoice(ctx context.Context, amountMsat int64, description string, meta lightning.Metadata) (*lightning.Invoice, error)
	RegisterWebhook(ctx context.Context, lid, callbackURL string) error
}

// Options collects the engine's collaborators.
type Options struct {
	Store    *storage.Store
	Messages *msgstore.Store
	Issuer   Issuer
	Broker   broker.Broker
	Channels *channels.Registry
	Bidding  bidding.Params
	Config   *config.Config
	Logger   *slog.Logger
	Observer *observability.Observability
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine drives the order lifecycle.
type Engine struct {
	store    *storage.Store
	msgs     *msgstore.Store
	issuer   Issuer
	broker   broker.Broker
	channels *channels.Registry
	bids     bidding.Params
	cfg      *config.Config
	log      *slog.Logger
	obs      *observability.Observability
	now      func() time.Time
}

// New builds an engine from its collaborators.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	brk := opts.Broker
	if brk == nil {
		brk = broker.NewMemory()
	}
	return &Engine{
		store:    opts.Store,
		msgs:     opts.Messages,
		issuer:   opts.Issuer,
		broker:   brk,
		channels: opts.Channels,
		bids:     opts.Bidding,
		cfg:      opts.Config,
		log:      logger,
		obs:      opts.Observer,
		now:      now,
	}
}

// Messages exposes the payload store for the HTTP surface.
func (e *Engine) Messages() *msgstore.Store {
	return e.msgs
}

// Channels exposes the channel registry.
func (e *Engine) Channels() *channels.Registry {
	return e.channels
}

// Bidding exposes the bidding parameters.
func (e *Engine) Bidding() bidding.Params {
	return e.bids
}

// Store exposes the order store for the HTTP surface.
func (e *Engine) Store() *storage.Store {
	return e.store
}

// StartWorkers launches the retransmission controller and the housekeeper
// on their own tickers. Both stop when ctx is cancelled.
func (e *Engine) StartWorkers(ctx context.Context) {
	go e.retryLoop(ctx, 10*time.Second)
	go e.housekeeperLoop(ctx, 5*time.Minute)
}

func (e *Engine) retryLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshRetransmissions(); err != nil {
				e.log.Error("retransmission pass failed", "err", err)
			}
		}
	}
}

func (e *Engine) housekeeperLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunHousekeeping()
		}
	}
}
