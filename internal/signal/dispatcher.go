package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/datanode/internal/block"
	"github.com/tunnelmesh/datanode/internal/metrics"
)

// DefaultPollInterval is used when a dispatcher is created with a zero interval.
const DefaultPollInterval = 3 * time.Second

// Dispatcher polls a Source on a fixed interval and hands every signal to a
// Handler. A signal whose handling fails is kept and delivered again on the
// next cycle until it succeeds or a newer signal for the same pool replaces it.
type Dispatcher struct {
	source   Source
	handler  Handler
	interval time.Duration
	metrics  *metrics.DatanodeMetrics

	mu      sync.Mutex
	pending []Signal
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(source Source, handler Handler, interval time.Duration, m *metrics.DatanodeMetrics) *Dispatcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Dispatcher{
		source:   source,
		handler:  handler,
		interval: interval,
		metrics:  m,
	}
}

// Run delivers signals until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DeliverOnce(ctx); err != nil {
				log.Warn().Err(err).Msg("upgrade signal delivery incomplete, will retry")
			}
		}
	}
}

// DeliverOnce performs a single poll-and-deliver cycle. Failed deliveries are
// queued for the next cycle and reported in the returned error.
func (d *Dispatcher) DeliverOnce(ctx context.Context) error {
	fresh, pollErr := d.source.Poll(ctx)
	if pollErr != nil {
		pollErr = fmt.Errorf("poll signals: %w", pollErr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	batch := coalesce(append(d.pending, fresh...))
	d.pending = nil

	var errs []error
	if pollErr != nil {
		errs = append(errs, pollErr)
	}
	for _, sig := range batch {
		if ctx.Err() != nil {
			d.pending = append(d.pending, sig)
			continue
		}
		err := d.handler.HandleSignal(ctx, sig)
		d.metrics.RecordSignal(sig.Kind.String(), err)
		if err != nil {
			log.Warn().Err(err).Str("signal", sig.String()).Msg("upgrade signal failed")
			d.pending = append(d.pending, sig)
			errs = append(errs, fmt.Errorf("signal %s: %w", sig, err))
			continue
		}
		log.Debug().Str("signal", sig.String()).Msg("upgrade signal applied")
	}
	d.metrics.SetSignalsPending(len(d.pending))

	return errors.Join(errs...)
}

// Pending returns the signals awaiting redelivery.
func (d *Dispatcher) Pending() []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Signal, len(d.pending))
	copy(out, d.pending)
	return out
}

// coalesce keeps only the most recent signal for each pool, preserving the
// order in which pools first appear. Transitions are idempotent, so an older
// signal for the same pool is always superseded by a newer one.
func coalesce(sigs []Signal) []Signal {
	latest := make(map[block.PoolID]int, len(sigs))
	var order []block.PoolID
	for i, s := range sigs {
		if _, seen := latest[s.Pool]; !seen {
			order = append(order, s.Pool)
		}
		latest[s.Pool] = i
	}
	out := make([]Signal, 0, len(order))
	for _, p := range order {
		out = append(out, sigs[latest[p]])
	}
	return out
}
