package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/chainquery/service/answer"
	"github.com/brojonat/chainquery/service/chain"
	"github.com/brojonat/chainquery/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store provides Postgres-backed persistence for queries and the facts
// extracted from their answers. It only stores and retrieves; callers are
// responsible for validation.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If m is nil, no metrics are recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Migrate applies the embedded schema. The DDL is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateQueryParams contains the parameters for appending a query record.
type CreateQueryParams struct {
	Text           string
	NormalizedText string
	Answer         answer.Answer
}

// CreateQuery appends a query to the history.
func (s *Store) CreateQuery(ctx context.Context, params CreateQueryParams) (q *Query, err error) {
	defer s.observe("insert", "queries", time.Now(), &err)

	answerJSON, err := json.Marshal(params.Answer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode answer: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO queries (text, normalized_text, answer)
		VALUES ($1, $2, $3)
		RETURNING id, text, normalized_text, answer, created_at`,
		params.Text, params.NormalizedText, answerJSON,
	)
	return scanQuery(row)
}

// GetQuery retrieves a query record by id.
func (s *Store) GetQuery(ctx context.Context, id int64) (q *Query, err error) {
	defer s.observe("select", "queries", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		SELECT id, text, normalized_text, answer, created_at
		FROM queries
		WHERE id = $1`, id)
	q, err = scanQuery(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

// RecentQueries returns up to limit query records, newest first.
func (s *Store) RecentQueries(ctx context.Context, limit int) (qs []*Query, err error) {
	defer s.observe("select", "queries", time.Now(), &err)

	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, normalized_text, answer, created_at
		FROM queries
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectQueries(rows)
}

// RecentQueriesByKey returns the records stored under key among the lookback
// most recent queries, newest first.
func (s *Store) RecentQueriesByKey(ctx context.Context, key string, lookback int) (qs []*Query, err error) {
	defer s.observe("select", "queries", time.Now(), &err)

	if err := checkLimit(lookback); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, text, normalized_text, answer, created_at
		FROM (
			SELECT id, text, normalized_text, answer, created_at
			FROM queries
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		WHERE normalized_text = $1
		ORDER BY created_at DESC, id DESC`, key, lookback)
	if err != nil {
		return nil, err
	}
	return collectQueries(rows)
}

func collectQueries(rows pgx.Rows) ([]*Query, error) {
	defer rows.Close()

	queries := make([]*Query, 0)
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return queries, rows.Err()
}

// InsertTransaction records a transaction fact. Hashes are unique: inserting
// a hash that already exists is a no-op and reports inserted=false.
func (s *Store) InsertTransaction(ctx context.Context, params InsertTransactionParams) (inserted bool, err error) {
	defer s.observe("insert", "transactions", time.Now(), &err)

	ts := params.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (hash, from_address, to_address, amount, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING`,
		params.Hash,
		chain.NormalizeAddress(params.From),
		chain.NormalizeAddress(params.To),
		params.Amount,
		pgtype.Timestamptz{Time: ts, Valid: true},
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListTransactions returns transaction facts, most recent first.
func (s *Store) ListTransactions(ctx context.Context, params ListTransactionsParams) (txns []*Transaction, err error) {
	defer s.observe("select", "transactions", time.Now(), &err)

	if err := checkLimit(params.Limit); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, hash, from_address, to_address, amount, timestamp, created_at
		FROM transactions
		WHERE ($1::text = '' OR from_address = $1::text OR to_address = $1::text)
		  AND ($2::text = ''
		       OR strpos(lower(hash), lower($2::text)) > 0
		       OR strpos(from_address, lower($2::text)) > 0
		       OR strpos(to_address, lower($2::text)) > 0)
		ORDER BY timestamp DESC, id DESC
		LIMIT $3`,
		chain.NormalizeAddress(params.Address), params.Search, params.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0)
	for rows.Next() {
		var t Transaction
		var ts, created pgtype.Timestamptz
		if err := rows.Scan(&t.ID, &t.Hash, &t.From, &t.To, &t.Amount, &ts, &created); err != nil {
			return nil, err
		}
		t.Timestamp = ts.Time
		t.CreatedAt = created.Time
		transactions = append(transactions, &t)
	}
	return transactions, rows.Err()
}

// UpsertWallet records a wallet fact; the latest balance wins.
func (s *Store) UpsertWallet(ctx context.Context, params UpsertWalletParams) (w *Wallet, err error) {
	defer s.observe("upsert", "wallets", time.Now(), &err)

	chainKind := params.Chain
	if chainKind == "" {
		chainKind = string(chain.KindUnknown)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO wallets (address, balance, chain, last_updated)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (address) DO UPDATE
		SET balance = EXCLUDED.balance,
		    chain = EXCLUDED.chain,
		    last_updated = EXCLUDED.last_updated
		RETURNING address, balance, chain, last_updated`,
		chain.NormalizeAddress(params.Address), params.Balance, chainKind,
	)
	return scanWallet(row)
}

// GetWallet retrieves a wallet fact by address, case-insensitively.
func (s *Store) GetWallet(ctx context.Context, address string) (w *Wallet, err error) {
	defer s.observe("select", "wallets", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		SELECT address, balance, chain, last_updated
		FROM wallets
		WHERE address = $1`, chain.NormalizeAddress(address))
	w, err = scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// ListWallets returns wallet facts, most recently updated first.
func (s *Store) ListWallets(ctx context.Context, limit int32) (ws []*Wallet, err error) {
	defer s.observe("select", "wallets", time.Now(), &err)

	if err := checkLimit(limit); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT address, balance, chain, last_updated
		FROM wallets
		ORDER BY last_updated DESC, address
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wallets := make([]*Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// Helper functions to convert rows into domain types

func scanQuery(row pgx.Row) (*Query, error) {
	var q Query
	var answerJSON []byte
	var created pgtype.Timestamptz
	if err := row.Scan(&q.ID, &q.Text, &q.NormalizedText, &answerJSON, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(answerJSON, &q.Answer); err != nil {
		return nil, fmt.Errorf("failed to decode stored answer for query %d: %w", q.ID, err)
	}
	q.CreatedAt = created.Time
	return &q, nil
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	var updated pgtype.Timestamptz
	if err := row.Scan(&w.Address, &w.Balance, &w.Chain, &updated); err != nil {
		return nil, err
	}
	w.LastUpdated = updated.Time
	return &w, nil
}

func (s *Store) observe(operation, table string, start time.Time, err *error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), *err)
	}
}
