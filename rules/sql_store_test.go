package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLRuleStore {
	t.Helper()
	ctx := context.Background()

	store, err := OpenSQLRuleStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestParseDatabaseURL(t *testing.T) {
	testCases := []struct {
		url     string
		driver  string
		dsn     string
		dialect Dialect
		wantErr bool
	}{
		{"postgres://u:p@localhost/db?sslmode=disable", "postgres", "postgres://u:p@localhost/db?sslmode=disable", DialectPostgres, false},
		{"postgresql://localhost/db", "postgres", "postgresql://localhost/db", DialectPostgres, false},
		{"sqlite://data/rules.db", "sqlite", "data/rules.db", DialectSQLite, false},
		{"file:rules.db?cache=shared", "sqlite", "file:rules.db?cache=shared", DialectSQLite, false},
		{":memory:", "sqlite", ":memory:", DialectSQLite, false},
		{"mysql://localhost/db", "", "", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			driver, dsn, dialect, err := parseDatabaseURL(tc.url)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.driver, driver)
			assert.Equal(t, tc.dsn, dsn)
			assert.Equal(t, tc.dialect, dialect)
		})
	}
}

func TestRebind(t *testing.T) {
	pg := NewSQLRuleStore(nil, DialectPostgres)
	assert.Equal(t, "SELECT 1 WHERE a = $1 AND b = $2", pg.rebind("SELECT 1 WHERE a = ? AND b = ?"))

	lite := NewSQLRuleStore(nil, DialectSQLite)
	assert.Equal(t, "SELECT 1 WHERE a = ?", lite.rebind("SELECT 1 WHERE a = ?"))
}

func TestSQLRuleStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	rule := doneRule("r1", "B1")
	rule.WorkspaceID = "W1"
	require.NoError(t, store.Add(ctx, rule))

	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "W1", got.WorkspaceID)
	assert.Equal(t, "Rule r1", got.Name)
	assert.True(t, got.Enabled)
	require.Len(t, got.Condition.Predicates, 1)
	assert.Equal(t, "Done", got.Condition.Predicates[0].Value)
	require.Len(t, got.Actions, 1)
	assert.Equal(t, "owner", got.Actions[0].Params["recipient"])
	assert.False(t, got.CreatedAt.IsZero())

	err = store.Add(ctx, doneRule("r1", "B1"))
	assert.True(t, errors.Is(err, ErrRuleExists), "got %v", err)

	updated := doneRule("r1", "B1")
	updated.Name = "Renamed"
	updated.Enabled = false
	require.NoError(t, store.Update(ctx, updated))

	got, err = store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.Enabled)

	require.NoError(t, store.Delete(ctx, "r1"))
	_, err = store.Get(ctx, "r1")
	assert.True(t, errors.Is(err, ErrRuleNotFound), "got %v", err)

	assert.True(t, errors.Is(store.Delete(ctx, "r1"), ErrRuleNotFound))
	assert.True(t, errors.Is(store.Update(ctx, doneRule("r1", "B1")), ErrRuleNotFound))
}

func TestSQLRuleStoreLoadRulesForBoard(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	disabled := doneRule("b", "B1")
	disabled.Enabled = false
	for _, r := range []*Rule{doneRule("a", "B1"), disabled, doneRule("c", "B1"), doneRule("x", "B2")} {
		require.NoError(t, store.Add(ctx, r))
	}

	rules, err := store.LoadRulesForBoard(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "a", rules[0].ID)
	assert.Equal(t, "c", rules[1].ID)

	all, err := store.ListByBoard(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	empty, err := store.LoadRulesForBoard(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSQLRuleStoreSkipsUndecodableRows(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	require.NoError(t, store.Add(ctx, doneRule("good", "B1")))

	_, err := store.DB().ExecContext(ctx, `
		INSERT INTO automation_rules (id, board_id, name, condition, actions, enabled, created_at, updated_at)
		VALUES ('bad', 'B1', 'bad', '{not json', '[]', 1, ?, ?)
	`, time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)

	rules, err := store.LoadRulesForBoard(ctx, "B1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "good", rules[0].ID)
}

func TestSQLRuleStoreFailureWrapsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	require.NoError(t, store.Close())

	_, err := store.LoadRulesForBoard(ctx, "B1")
	assert.True(t, errors.Is(err, ErrStoreUnavailable), "got %v", err)
	assert.True(t, errors.Is(store.Ping(ctx), ErrStoreUnavailable))
}

func TestSQLRuleStoreWithEngine(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	engine, err := NewEngine(store)
	require.NoError(t, err)
	require.NoError(t, engine.AddRule(ctx, doneRule("r1", "B1")))

	results := engine.FindMatchingRules(ctx, movedEvent("B1", "Done"))
	require.Len(t, results, 1)
	assert.Equal(t, MatchResult{RuleID: "r1", RuleName: "Rule r1"}, results[0])
}
