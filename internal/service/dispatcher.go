// Package service provides the components that drive the arbitrage monitor.
//
// The dispatcher component implements a fan-out distribution system that delivers
// every computed opportunity snapshot to multiple subscribers while handling slow
// clients gracefully.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/utils"
)

const (
	subscriberBuffer         = 16
	defaultMaxSymbolsAllowed = 50
)

// Subscriber represents a client subscription to opportunity snapshots.
//
// Each subscriber maintains its own buffered channel and an optional set of
// symbols it is interested in; an empty set receives every symbol.
type Subscriber struct {
	id                int64               // Unique identifier for the subscriber
	ch                chan Snapshot       // Buffered channel for snapshot delivery
	symbolsSubscribed map[string]struct{} // Set of subscribed symbols, empty for all
}

// Updates returns the channel snapshots are delivered on. It is closed when
// the subscriber is removed or the dispatcher stops.
func (s *Subscriber) Updates() <-chan Snapshot {
	return s.ch
}

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxSymbolsAllowed int // Maximum symbols per subscription
}

// Dispatcher implements a fan-out distribution system for opportunity snapshots.
//
// A single goroutine owns the subscribers map; subscription changes and
// snapshots reach it through channels, so no mutex is needed.
type Dispatcher struct {
	cfg              DispatcherConfig      // Configuration parameters
	subscribers      map[int64]*Subscriber // Active subscribers (owned by dispatch goroutine)
	subscriptionCh   chan *Subscriber      // Channel for new subscription requests
	unsubscriptionCh chan *Subscriber      // Channel for unsubscription requests
	started          atomic.Bool           // Atomic flag tracking dispatcher state
	done             chan struct{}         // Closed when the dispatch goroutine exits
	randIdGen        *rand.Rand            // Random source for subscriber IDs
}

// NewDispatcher creates a new Dispatcher instance with the provided configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxSymbolsAllowed <= 0 {
		cfg.MaxSymbolsAllowed = defaultMaxSymbolsAllowed
	}
	return &Dispatcher{
		cfg:              cfg,
		subscribers:      make(map[int64]*Subscriber),
		subscriptionCh:   make(chan *Subscriber, 10),
		unsubscriptionCh: make(chan *Subscriber, 10),
		done:             make(chan struct{}),
		randIdGen:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Subscribe creates a new subscription for the given symbols. An empty list
// subscribes to every symbol.
func (b *Dispatcher) Subscribe(symbols []string) (*Subscriber, error) {
	if !b.started.Load() {
		return nil, fmt.Errorf("dispatcher: %w", ErrNotStarted)
	}
	select {
	case <-b.done:
		return nil, errors.New("dispatcher stopped")
	default:
	}

	symSet := make(map[string]struct{}, len(symbols))
	if len(symbols) > 0 {
		normalized := make([]string, len(symbols))
		for i, s := range symbols {
			normalized[i] = model.NormalizeSymbol(s)
		}
		if err := utils.ValidateSymbols(normalized, b.cfg.MaxSymbolsAllowed); err != nil {
			return nil, err
		}
		for _, s := range normalized {
			symSet[s] = struct{}{}
		}
	}

	sub := &Subscriber{
		id:                b.randIdGen.Int63(),
		ch:                make(chan Snapshot, subscriberBuffer),
		symbolsSubscribed: symSet,
	}

	select {
	case b.subscriptionCh <- sub:
	default:
		return nil, errors.New("subscription channel is full")
	}

	return sub, nil
}

// subscribe is an internal method that adds a subscriber to the active subscribers map.
func (b *Dispatcher) subscribe(subscriber *Subscriber) {
	b.subscribers[subscriber.id] = subscriber
}

// Unsubscribe removes a subscriber from the dispatcher.
func (b *Dispatcher) Unsubscribe(sub *Subscriber) error {
	select {
	case b.unsubscriptionCh <- sub:
		return nil
	default:
		return errors.New("unsubscription channel is full")
	}
}

// unsubscribe is an internal method that removes a subscriber and closes its channel.
func (b *Dispatcher) unsubscribe(sub *Subscriber) {
	if _, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(sub.ch)
	}
}

// StartDispatching starts the goroutine that owns subscriber management and
// snapshot distribution. It runs until ctx is cancelled or snapshots closes.
func (b *Dispatcher) StartDispatching(ctx context.Context, snapshots <-chan Snapshot) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer close(b.done)
		defer func() {
			for _, sub := range b.subscribers {
				close(sub.ch)
			}
			b.subscribers = make(map[int64]*Subscriber)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("dispatcher stopped")
				return
			case sub := <-b.subscriptionCh:
				b.subscribe(sub)
			case sub := <-b.unsubscriptionCh:
				b.unsubscribe(sub)
			case snap, ok := <-snapshots:
				if !ok {
					log.Info().Msg("snapshot source closed, dispatcher stopped")
					return
				}
				b.dispatch(snap)
			}
		}
	}()
	return nil
}

// Done is closed once the dispatcher goroutine has exited.
func (b *Dispatcher) Done() <-chan struct{} {
	return b.done
}

// dispatch delivers a snapshot, filtered to each subscriber's symbols.
//
// Slow clients lose their oldest buffered snapshot rather than blocking the
// dispatcher.
func (b *Dispatcher) dispatch(snap Snapshot) {
	for _, sub := range b.subscribers {
		view := snap.ForSymbols(sub.symbolsSubscribed)
		select {
		case sub.ch <- view:
		default:
			log.Warn().Int64("subscriber", sub.id).Msg("subscriber is too slow, dropping oldest buffered snapshot")
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- view
		}
	}
}
