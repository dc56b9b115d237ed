package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/collector"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

const defaultInterval = 30 * time.Second

var (
	// ErrNotStarted is returned when a component is used before Start.
	ErrNotStarted = errors.New("not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("already started")
)

// Snapshot is the result of one monitor cycle.
type Snapshot struct {
	Quotes        []model.Quote       `json:"quotes"`
	Opportunities []model.Opportunity `json:"opportunities"`
	Profitable    []model.Opportunity `json:"profitable"`
	ComputedAt    time.Time           `json:"computed_at"`
}

// ForSymbols returns a copy of the snapshot restricted to symbols. An empty
// set returns the snapshot unchanged.
func (s Snapshot) ForSymbols(symbols map[string]struct{}) Snapshot {
	if len(symbols) == 0 {
		return s
	}

	out := Snapshot{ComputedAt: s.ComputedAt}
	for _, q := range s.Quotes {
		if _, ok := symbols[q.Symbol]; ok {
			out.Quotes = append(out.Quotes, q)
		}
	}
	out.Opportunities = filterOpportunities(s.Opportunities, symbols)
	out.Profitable = filterOpportunities(s.Profitable, symbols)
	return out
}

func filterOpportunities(opps []model.Opportunity, symbols map[string]struct{}) []model.Opportunity {
	var out []model.Opportunity
	for _, o := range opps {
		if _, ok := symbols[o.Symbol]; ok {
			out = append(out, o)
		}
	}
	return out
}

// QuoteSource feeds the quote cache.
type QuoteSource interface {
	// PollOnce runs one collection cycle.
	PollOnce(ctx context.Context) (collector.CycleResult, error)

	// StartStreams starts the streaming connectors.
	StartStreams(ctx context.Context) (<-chan struct{}, error)
}

// QuoteReader reads the fresh quote snapshot.
type QuoteReader interface {
	GetAllFresh(ctx context.Context) ([]model.Quote, error)
	HealthCheck(ctx context.Context) error
}

// OpportunityEngine turns a quote snapshot into ranked opportunities.
type OpportunityEngine interface {
	Compute(quotes []model.Quote) ([]model.Opportunity, error)
	Profitable(opps []model.Opportunity) []model.Opportunity
}

// HistorySink stores quotes for long-term analysis.
type HistorySink interface {
	SaveQuotes(ctx context.Context, quotes []model.Quote) error
}

// AlertNotifier delivers profitable opportunities.
type AlertNotifier interface {
	Notify(ctx context.Context, opps []model.Opportunity) error
}

// SubscriptionManager manages snapshot subscribers.
type SubscriptionManager interface {
	// Subscribe creates a new subscription for the given symbols.
	Subscribe(symbols []string) (*Subscriber, error)

	// Unsubscribe removes a subscriber and cleans up associated resources.
	Unsubscribe(sub *Subscriber) error

	// StartDispatching begins the snapshot distribution process.
	StartDispatching(ctx context.Context, ch <-chan Snapshot) error
}

// MonitorConfig defines settings for the Monitor.
type MonitorConfig struct {
	Interval  time.Duration // Time between cycles
	Streaming bool          // Start the streaming connectors as well
}

// MonitorDeps are the collaborators of a Monitor. Only Cache and Engine are
// required.
type MonitorDeps struct {
	Source     QuoteSource
	Cache      QuoteReader
	Engine     OpportunityEngine
	History    HistorySink
	Notifier   AlertNotifier
	Dispatcher SubscriptionManager
	// OnHealth receives the cache health after every cycle.
	OnHealth func(healthy bool)
}

// Monitor runs the collection and detection cycle on a fixed interval.
//
// A cycle polls the connectors into the cache, reads the fresh snapshot,
// computes and filters opportunities, then stores the quotes, notifies and
// publishes the result. Each downstream stage fails independently.
type Monitor struct {
	deps      MonitorDeps
	cfg       MonitorConfig
	started   atomic.Bool
	cancel    context.CancelFunc
	latest    atomic.Pointer[Snapshot]
	snapshots chan Snapshot
	wg        sync.WaitGroup
}

// NewMonitor creates a monitor in the stopped state.
func NewMonitor(deps MonitorDeps, cfg MonitorConfig) (*Monitor, error) {
	if deps.Cache == nil || deps.Engine == nil {
		return nil, errors.New("monitor requires a cache and an engine")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	return &Monitor{
		deps:      deps,
		cfg:       cfg,
		snapshots: make(chan Snapshot, 1),
	}, nil
}

// Start launches the streams, the dispatcher and the cycle loop.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor: %w", ErrAlreadyStarted)
	}

	ctx, cancel := context.WithCancel(ctx)

	if m.cfg.Streaming && m.deps.Source != nil {
		if _, err := m.deps.Source.StartStreams(ctx); err != nil {
			cancel()
			m.started.Store(false)
			return fmt.Errorf("failed to start streams: %w", err)
		}
	}

	if m.deps.Dispatcher != nil {
		if err := m.deps.Dispatcher.StartDispatching(ctx, m.snapshots); err != nil {
			cancel()
			m.started.Store(false)
			return fmt.Errorf("failed to start dispatching: %w", err)
		}
	}

	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()

	log.Info().Dur("interval", m.cfg.Interval).Bool("streaming", m.cfg.Streaming).Msg("monitor started")
	return nil
}

// Stop cancels the loop and waits for the running cycle to finish.
func (m *Monitor) Stop() error {
	if !m.started.CompareAndSwap(true, false) {
		return fmt.Errorf("monitor: %w", ErrNotStarted)
	}

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()

	log.Info().Msg("monitor stopped")
	return nil
}

// Latest returns the snapshot of the last successful cycle.
func (m *Monitor) Latest() (Snapshot, bool) {
	s := m.latest.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Subscribe registers a snapshot subscriber for the given symbols.
func (m *Monitor) Subscribe(symbols []string) (*Subscriber, error) {
	if !m.started.Load() {
		return nil, fmt.Errorf("monitor: %w", ErrNotStarted)
	}
	if m.deps.Dispatcher == nil {
		return nil, errors.New("monitor has no dispatcher")
	}
	return m.deps.Dispatcher.Subscribe(symbols)
}

// Unsubscribe removes a subscriber created by Subscribe.
func (m *Monitor) Unsubscribe(sub *Subscriber) error {
	if m.deps.Dispatcher == nil {
		return errors.New("monitor has no dispatcher")
	}
	return m.deps.Dispatcher.Unsubscribe(sub)
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunCycle(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("monitor cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle performs a single cycle and returns its snapshot. Errors from
// the history, notification and publishing stages are logged and do not
// fail the cycle.
func (m *Monitor) RunCycle(ctx context.Context) (Snapshot, error) {
	start := time.Now()
	logger := log.With().Str("component", "monitor").Logger()

	if m.deps.Source != nil {
		if _, err := m.deps.Source.PollOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("collection failed")
		}
	}

	m.reportHealth(ctx)

	quotes, err := m.deps.Cache.GetAllFresh(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read quotes: %w", err)
	}

	opps, err := m.deps.Engine.Compute(quotes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to compute opportunities: %w", err)
	}

	snap := Snapshot{
		Quotes:        quotes,
		Opportunities: opps,
		Profitable:    m.deps.Engine.Profitable(opps),
		ComputedAt:    start.UTC(),
	}

	if m.deps.History != nil && len(quotes) > 0 {
		if err := m.deps.History.SaveQuotes(ctx, quotes); err != nil {
			logger.Error().Err(err).Int("quotes", len(quotes)).Msg("failed to store price history")
		}
	}

	if m.deps.Notifier != nil && len(snap.Profitable) > 0 {
		if err := m.deps.Notifier.Notify(ctx, snap.Profitable); err != nil {
			logger.Error().Err(err).Msg("failed to notify opportunities")
		}
	}

	m.latest.Store(&snap)
	m.publish(snap)

	logger.Info().
		Int("quotes", len(quotes)).
		Int("opportunities", len(opps)).
		Int("profitable", len(snap.Profitable)).
		Dur("took", time.Since(start)).
		Msg("cycle complete")

	return snap, nil
}

func (m *Monitor) reportHealth(ctx context.Context) {
	if m.deps.OnHealth == nil {
		return
	}
	err := m.deps.Cache.HealthCheck(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("quote cache unhealthy")
	}
	m.deps.OnHealth(err == nil)
}

// publish hands the snapshot to the dispatcher, replacing an unread one.
func (m *Monitor) publish(snap Snapshot) {
	if m.deps.Dispatcher == nil {
		return
	}
	for {
		select {
		case m.snapshots <- snap:
			return
		default:
		}
		select {
		case <-m.snapshots:
		default:
		}
	}
}
