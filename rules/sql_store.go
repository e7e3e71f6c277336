package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/liamcoop/automations/internal/logger"
)

// Dialect selects placeholder style and DDL for SQLRuleStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS automation_rules (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	board_id     TEXT NOT NULL,
	name         TEXT NOT NULL,
	condition    JSONB NOT NULL,
	actions      JSONB NOT NULL DEFAULT '[]',
	enabled      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_automation_rules_board ON automation_rules (board_id, enabled);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS automation_rules (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL DEFAULT '',
	board_id     TEXT NOT NULL,
	name         TEXT NOT NULL,
	condition    TEXT NOT NULL,
	actions      TEXT NOT NULL DEFAULT '[]',
	enabled      BOOLEAN NOT NULL DEFAULT 1,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automation_rules_board ON automation_rules (board_id, enabled);
`

const selectColumns = `id, workspace_id, board_id, name, condition, actions, enabled, created_at, updated_at`

// SQLRuleStore implements RuleStore on database/sql for Postgres or SQLite.
type SQLRuleStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLRuleStore wraps an open database.
func NewSQLRuleStore(db *sql.DB, dialect Dialect) *SQLRuleStore {
	return &SQLRuleStore{db: db, dialect: dialect}
}

// OpenSQLRuleStore opens the database named by url and pings it. Accepted
// forms: postgres://..., postgresql://..., sqlite://<path>, file:<path>, :memory:.
func OpenSQLRuleStore(ctx context.Context, url string) (*SQLRuleStore, error) {
	driver, dsn, dialect, err := parseDatabaseURL(url)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps :memory: databases shared and avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQLRuleStore(db, dialect), nil
}

func parseDatabaseURL(url string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return "postgres", url, DialectPostgres, nil
	case strings.HasPrefix(url, "sqlite://"):
		return "sqlite", strings.TrimPrefix(url, "sqlite://"), DialectSQLite, nil
	case strings.HasPrefix(url, "file:"), url == ":memory:":
		return "sqlite", url, DialectSQLite, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database url %q", url)
	}
}

// DB exposes the underlying handle.
func (s *SQLRuleStore) DB() *sql.DB {
	return s.db
}

// Dialect reports which database the store talks to.
func (s *SQLRuleStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the database.
func (s *SQLRuleStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the rules table when missing. Production deployments
// run cmd/migrate instead.
func (s *SQLRuleStore) EnsureSchema(ctx context.Context) error {
	ddl := postgresSchema
	if s.dialect == DialectSQLite {
		ddl = sqliteSchema
	}
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLRuleStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
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

func (s *SQLRuleStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Add inserts a new rule
func (s *SQLRuleStore) Add(ctx context.Context, rule *Rule) error {
	condition, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, s.rebind(`
		SELECT EXISTS(SELECT 1 FROM automation_rules WHERE id = ?)
	`), rule.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO automation_rules (id, workspace_id, board_id, name, condition, actions, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rule.ID, rule.WorkspaceID, rule.BoardID, rule.Name, condition, actions, rule.Enabled,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *SQLRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM automation_rules
		WHERE id = ?
	`), id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *SQLRuleStore) LoadRulesForBoard(ctx context.Context, boardID string) ([]*Rule, error) {
	rules, err := s.query(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM automation_rules
		WHERE board_id = ? AND enabled = ?
		ORDER BY created_at ASC, id ASC
	`), boardID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: load rules for board %s: %w", ErrStoreUnavailable, boardID, err)
	}
	return rules, nil
}

func (s *SQLRuleStore) ListByBoard(ctx context.Context, boardID string) ([]*Rule, error) {
	rules, err := s.query(ctx, s.rebind(`
		SELECT `+selectColumns+`
		FROM automation_rules
		WHERE board_id = ?
		ORDER BY created_at ASC, id ASC
	`), boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

func (s *SQLRuleStore) query(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if errors.Is(err, errUndecodable) {
			logger.WarnContext(ctx, "skipping rule with undecodable definition", "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return rules, nil
}

// Update modifies an existing rule
func (s *SQLRuleStore) Update(ctx context.Context, rule *Rule) error {
	condition, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	existing, err := s.Get(ctx, rule.ID)
	if err != nil {
		return err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE automation_rules
		SET workspace_id = ?, board_id = ?, name = ?, condition = ?, actions = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`), rule.WorkspaceID, rule.BoardID, rule.Name, condition, actions, rule.Enabled, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleNotFound)
	}

	return nil
}

// Delete removes a rule
func (s *SQLRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM automation_rules WHERE id = ?
	`), id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

var errUndecodable = errors.New("undecodable rule row")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r                 Rule
		condition, action []byte
	)
	if err := row.Scan(&r.ID, &r.WorkspaceID, &r.BoardID, &r.Name, &condition, &action,
		&r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(condition, &r.Condition); err != nil {
		return nil, fmt.Errorf("%w: rule %s condition: %v", errUndecodable, r.ID, err)
	}
	if err := json.Unmarshal(action, &r.Actions); err != nil {
		return nil, fmt.Errorf("%w: rule %s actions: %v", errUndecodable, r.ID, err)
	}
	return &r, nil
}

func encodeRule(rule *Rule) (condition, actions string, err error) {
	c, err := json.Marshal(rule.Condition)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode condition: %w", err)
	}
	specs := rule.Actions
	if specs == nil {
		specs = []ActionSpec{}
	}
	a, err := json.Marshal(specs)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode actions: %w", err)
	}
	return string(c), string(a), nil
}
