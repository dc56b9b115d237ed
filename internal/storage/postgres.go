// Package storage keeps the long-term price history in PostgreSQL.
//
// The table is turned into a TimescaleDB hypertable when the extension is
// available; on plain PostgreSQL the conversion fails, is logged and the
// table is used as is.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/toru-watanabe/crypto-arbitrage-monitor/internal/model"
)

const (
	// DefaultTable is the history table name.
	DefaultTable = "price_history"

	// rowsPerInsert keeps a single INSERT well under the 65535 parameter limit.
	rowsPerInsert = 1000

	defaultHistoryLimit = 1000
	defaultLatestLimit  = 100
)

var (
	// ErrInvalidQuery is returned when a history query is missing its symbol.
	ErrInvalidQuery = errors.New("invalid history query")
)

// HistoryQuery filters price history. Zero values disable a filter.
type HistoryQuery struct {
	Symbol   string
	Exchange string
	From     time.Time
	To       time.Time
	Limit    int
}

// HistoryStore writes and reads quotes from the price history table.
type HistoryStore struct {
	db    *sql.DB
	table string
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewHistoryStore wraps an open database handle. An empty table name uses
// DefaultTable.
func NewHistoryStore(db *sql.DB, table string) *HistoryStore {
	if table == "" {
		table = DefaultTable
	}
	return &HistoryStore{db: db, table: table}
}

// InitSchema creates the table and its indexes, then tries to convert the
// table into a hypertable.
func (s *HistoryStore) InitSchema(ctx context.Context) error {
	table := pq.QuoteIdentifier(s.table)

	query := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL,
		exchange VARCHAR(50) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		price NUMERIC NOT NULL,
		volume_24h NUMERIC,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (symbol, exchange, timestamp DESC);
	CREATE INDEX IF NOT EXISTS %[3]s ON %[1]s (timestamp DESC);
	`, table, pq.QuoteIdentifier("idx_"+s.table+"_symbol_exchange_ts"), pq.QuoteIdentifier("idx_"+s.table+"_ts"))

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s: %w", s.table, err)
	}

	_, err := s.db.ExecContext(ctx, "SELECT create_hypertable($1, 'timestamp', if_not_exists => TRUE)", s.table)
	if err != nil {
		event := log.Warn().Err(err).Str("table", s.table)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			event = event.Str("code", string(pqErr.Code))
		}
		event.Msg("hypertable not created, using plain table")
		return nil
	}

	log.Info().Str("table", s.table).Msg("hypertable ready")
	return nil
}

// SaveQuotes inserts quotes in a single transaction.
func (s *HistoryStore) SaveQuotes(ctx context.Context, quotes []model.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(quotes); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(quotes))
		query, args := s.insertStatement(quotes[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert %d quotes: %w", end-start, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quotes: %w", err)
	}

	log.Debug().Int("quotes", len(quotes)).Str("table", s.table).Msg("stored price history")
	return nil
}

func (s *HistoryStore) insertStatement(quotes []model.Quote) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (exchange, symbol, price, volume_24h, timestamp) VALUES ", pq.QuoteIdentifier(s.table))

	args := make([]any, 0, len(quotes)*5)
	for i, q := range quotes {
		if i > 0 {
			b.WriteString(", ")
		}
		n := i * 5
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)

		var volume any
		if q.Volume24h != nil {
			volume = *q.Volume24h
		}
		args = append(args, q.Exchange, q.Symbol, q.Price, volume, q.ObservedAt.UTC())
	}

	return b.String(), args
}

// LatestPrices returns the newest stored quote of symbol on every exchange.
func (s *HistoryStore) LatestPrices(ctx context.Context, symbol string, limit int) ([]model.Quote, error) {
	symbol = model.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidQuery)
	}
	if limit <= 0 {
		limit = defaultLatestLimit
	}

	query := fmt.Sprintf(`
	SELECT DISTINCT ON (exchange, symbol) exchange, symbol, price, volume_24h, timestamp
	FROM %s
	WHERE symbol = $1
	ORDER BY exchange, symbol, timestamp DESC
	LIMIT $2`, pq.QuoteIdentifier(s.table))

	return s.queryQuotes(ctx, query, symbol, limit)
}

// History returns stored quotes matching q, newest first.
func (s *HistoryStore) History(ctx context.Context, q HistoryQuery) ([]model.Quote, error) {
	symbol := model.NormalizeSymbol(q.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidQuery)
	}

	conds := []string{"symbol = $1"}
	args := []any{symbol}

	if q.Exchange != "" {
		args = append(args, model.NormalizeExchange(q.Exchange))
		conds = append(conds, fmt.Sprintf("exchange = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		conds = append(conds, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		conds = append(conds, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
	SELECT exchange, symbol, price, volume_24h, timestamp
	FROM %s
	WHERE %s
	ORDER BY timestamp DESC
	LIMIT $%d`, pq.QuoteIdentifier(s.table), strings.Join(conds, " AND "), len(args))

	return s.queryQuotes(ctx, query, args...)
}

func (s *HistoryStore) queryQuotes(ctx context.Context, query string, args ...any) ([]model.Quote, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", s.table, err)
	}
	defer rows.Close()

	var quotes []model.Quote
	for rows.Next() {
		var (
			q      model.Quote
			volume decimal.NullDecimal
		)
		if err := rows.Scan(&q.Exchange, &q.Symbol, &q.Price, &volume, &q.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", s.table, err)
		}
		if volume.Valid {
			v := volume.Decimal
			q.Volume24h = &v
		}
		quotes = append(quotes, q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", s.table, err)
	}

	return quotes, nil
}

// HealthCheck runs a trivial query against the database.
func (s *HistoryStore) HealthCheck(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("history store unhealthy: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}
