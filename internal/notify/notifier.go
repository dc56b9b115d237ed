// Package notify delivers arbitrage alerts to the configured sinks.
//
// A Notifier sends one alert per high-value opportunity and a summary of
// the top opportunities of each cycle. Every message goes to every sink;
// a failing sink is logged and does not stop delivery to the others.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

const (
	defaultAlertThresholdPct = 1
	defaultSummaryTop        = 5
	defaultMessageDelay      = 500 * time.Millisecond
)

// Sink is a single delivery channel for alert text.
type Sink interface {
	Name() string
	Send(ctx context.Context, message string) error
}

// Config defines settings for the notifier.
type Config struct {
	// AlertThresholdPct is the estimated profit from which an opportunity
	// gets its own alert. Nil selects the default of one percent; zero
	// alerts on every opportunity.
	AlertThresholdPct *decimal.Decimal

	// SummaryTop is the number of opportunities listed in a summary.
	SummaryTop int

	// MessageDelay is the pause between consecutive alerts.
	MessageDelay time.Duration
}

// Notifier formats opportunities and fans messages out to sinks.
type Notifier struct {
	sinks     []Sink
	cfg       Config
	threshold decimal.Decimal
	sleep func(ctx context.Context, d time.Duration) error
}

// NewNotifier creates a notifier. A nil threshold and a zero summary size or
// delay take their defaults; use a negative delay to disable it.
func NewNotifier(cfg Config, sinks ...Sink) *Notifier {
	threshold := decimal.NewFromInt(defaultAlertThresholdPct)
	if cfg.AlertThresholdPct != nil {
		threshold = *cfg.AlertThresholdPct
	}
	if cfg.SummaryTop <= 0 {
		cfg.SummaryTop = defaultSummaryTop
	}
	if cfg.MessageDelay == 0 {
		cfg.MessageDelay = defaultMessageDelay
	}

	return &Notifier{sinks: sinks, cfg: cfg, threshold: threshold, sleep: sleepContext}
}

// Sinks lists the configured sink names.
func (n *Notifier) Sinks() []string {
	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Notify sends the per-opportunity alerts followed by a summary.
func (n *Notifier) Notify(ctx context.Context, opps []model.Opportunity) error {
	alertErr := n.Alert(ctx, opps)
	summaryErr := n.Summary(ctx, opps)
	return errors.Join(alertErr, summaryErr)
}

// Alert sends one message for every opportunity at or above the alert
// threshold, pausing MessageDelay between messages.
func (n *Notifier) Alert(ctx context.Context, opps []model.Opportunity) error {
	var errs []error
	sent := 0

	for _, o := range opps {
		if o.EstimatedProfitPct.LessThan(n.threshold) {
			continue
		}
		if sent > 0 && n.cfg.MessageDelay > 0 {
			if err := n.sleep(ctx, n.cfg.MessageDelay); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
		if err := n.broadcast(ctx, o.Message()); err != nil {
			errs = append(errs, err)
		}
		sent++
	}

	if sent > 0 {
		log.Info().Int("alerts", sent).Msg("sent opportunity alerts")
	}
	return errors.Join(errs...)
}

// Summary sends the summary of opps.
func (n *Notifier) Summary(ctx context.Context, opps []model.Opportunity) error {
	return n.broadcast(ctx, FormatSummary(opps, n.cfg.SummaryTop))
}

func (n *Notifier) broadcast(ctx context.Context, message string) error {
	var errs []error
	for _, s := range n.sinks {
		if err := s.Send(ctx, message); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("failed to deliver notification")
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// FormatSummary renders the top opportunities of a cycle. The list is
// expected to be ranked already.
func FormatSummary(opps []model.Opportunity, top int) string {
	if len(opps) == 0 {
		return "No arbitrage opportunities found in this scan."
	}

	var b strings.Builder
	b.WriteString("*Arbitrage Summary*\n\n")
	fmt.Fprintf(&b, "Found %d opportunities:\n\n", len(opps))

	for i, o := range opps {
		if i == top {
			break
		}
		fmt.Fprintf(&b, "%d. *%s*: %s -> %s (%s%%)\n",
			i+1, o.Symbol, strings.ToUpper(o.BuyExchange), strings.ToUpper(o.SellExchange), signed(o.EstimatedProfitPct))
	}

	if len(opps) > top {
		fmt.Fprintf(&b, "\n...and %d more", len(opps)-top)
	}

	return b.String()
}

func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.IsPositive() {
		return "+" + s
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
