package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"chat-orchestrator/internal/domain"
)

// Dialect selects placeholder style for SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const turnsSchema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    conversation_id   VARCHAR(128) NOT NULL,
    sequence          BIGINT       NOT NULL,
    caller_id         VARCHAR(128) NOT NULL DEFAULT '',
    user_message      TEXT         NOT NULL,
    response          TEXT         NOT NULL,
    provenance        TEXT         NOT NULL DEFAULT '[]',
    fingerprint       VARCHAR(64)  NOT NULL DEFAULT '',
    outcome           VARCHAR(32)  NOT NULL DEFAULT '',
    model             VARCHAR(128) NOT NULL DEFAULT '',
    prompt_tokens     INTEGER      NOT NULL DEFAULT 0,
    completion_tokens INTEGER      NOT NULL DEFAULT 0,
    created_at        VARCHAR(40)  NOT NULL,
    PRIMARY KEY (conversation_id, sequence)
)`

// SQLStore persists turns in a relational table. Postgres is reached through
// the pgx stdlib driver and SQLite through modernc.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. The caller keeps ownership of db.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		return nil, fmt.Errorf("repository: unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// OpenPostgres opens a pooled Postgres connection and verifies it.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a SQLite database. dsn may be a file path or ":memory:".
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	if !strings.Contains(dsn, ":memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("repository: sqlite %s: %w", p, err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("repository: ping sqlite: %w", err)
	}
	return db, nil
}

// Migrate creates the turns table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, turnsSchema); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

// AppendTurn inserts the turn. A row with the same key is left untouched.
func (s *SQLStore) AppendTurn(ctx context.Context, rec domain.TurnRecord) error {
	if strings.TrimSpace(rec.ConversationID) == "" || rec.Sequence <= 0 {
		return errors.New("repository: AppendTurn: conversation id and positive sequence are required")
	}
	prov, err := json.Marshal(provenanceOrEmpty(rec.Provenance))
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: marshal provenance: %w", err)
	}

	query := s.rebind(`INSERT INTO conversation_turns
		(conversation_id, sequence, caller_id, user_message, response, provenance,
		 fingerprint, outcome, model, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, sequence) DO NOTHING`)

	_, err = s.db.ExecContext(ctx, query,
		rec.ConversationID, rec.Sequence, rec.CallerID, rec.UserMessage, rec.Response, string(prov),
		rec.Fingerprint.String(), string(rec.Outcome), rec.Model, rec.PromptTokens, rec.CompletionTokens,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// LastSequence returns the highest persisted sequence, or 0.
func (s *SQLStore) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COALESCE(MAX(sequence), 0) FROM conversation_turns WHERE conversation_id = ?`),
		conversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("repository: LastSequence: %w", err)
	}
	return seq, nil
}

// Turns returns up to limit of the most recent turns in ascending sequence
// order. A non-positive limit returns all turns.
func (s *SQLStore) Turns(ctx context.Context, conversationID string, limit int) ([]domain.TurnRecord, error) {
	query := `SELECT conversation_id, sequence, caller_id, user_message, response, provenance,
		fingerprint, outcome, model, prompt_tokens, completion_tokens, created_at
		FROM conversation_turns WHERE conversation_id = ? ORDER BY sequence DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("repository: Turns: %w", err)
	}
	defer rows.Close()

	var recs []domain.TurnRecord
	for rows.Next() {
		var (
			rec       domain.TurnRecord
			prov      string
			fp        string
			outcome   string
			createdAt string
		)
		if err := rows.Scan(&rec.ConversationID, &rec.Sequence, &rec.CallerID, &rec.UserMessage, &rec.Response,
			&prov, &fp, &outcome, &rec.Model, &rec.PromptTokens, &rec.CompletionTokens, &createdAt); err != nil {
			return nil, fmt.Errorf("repository: Turns scan: %w", err)
		}
		if err := json.Unmarshal([]byte(prov), &rec.Provenance); err != nil {
			return nil, fmt.Errorf("repository: Turns decode provenance: %w", err)
		}
		rec.Fingerprint = domain.Fingerprint(fp)
		rec.Outcome = domain.OutcomeKind(outcome)
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: Turns rows: %w", err)
	}

	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
