//go:build integration
// +build integration

package rules_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/liamcoop/automations/events"
	"github.com/liamcoop/automations/rules"

	_ "github.com/lib/pq"
)

// setupTestDB creates a PostgreSQL container and returns a migrated store
func setupTestDB(t *testing.T) (*rules.SQLRuleStore, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "automations_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgresContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := postgresContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgresContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	url := fmt.Sprintf("postgres://test:test@%s:%s/automations_test?sslmode=disable", host, port.Port())

	// Wait for connection to be available
	var store *rules.SQLRuleStore
	for i := 0; i < 30; i++ {
		store, err = rules.OpenSQLRuleStore(ctx, url)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	// Run migrations
	migrationSQL, err := os.ReadFile(filepath.Join("..", "migrations", "postgres", "000001_create_automation_rules.up.sql"))
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := store.DB().ExecContext(ctx, string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		store.Close()
		postgresContainer.Terminate(ctx)
	}

	return store, cleanup
}

func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to ping Redis: %v", err)
	}

	return client, func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}
}

func newRule(boardID, toColumn string) *rules.Rule {
	return &rules.Rule{
		ID:          uuid.NewString(),
		WorkspaceID: "W1",
		BoardID:     boardID,
		Name:        "move to " + toColumn,
		Enabled:     true,
		Condition: rules.TriggerCondition{
			EventType:  events.CardMoved,
			Predicates: []rules.Predicate{{Field: "toColumn", Op: rules.OpEq, Value: toColumn}},
		},
		Actions: []rules.ActionSpec{{Kind: "notify", Params: map[string]any{"recipient": "owner"}}},
	}
}

func TestPostgresRuleStore_BasicCRUD(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	rule := newRule("B1", "Done")
	if err := store.Add(ctx, rule); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	retrieved, err := store.Get(ctx, rule.ID)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if retrieved.Name != rule.Name {
		t.Errorf("Expected name %q, got %q", rule.Name, retrieved.Name)
	}
	if retrieved.Condition.Predicates[0].Value != "Done" {
		t.Errorf("Expected predicate value Done, got %v", retrieved.Condition.Predicates[0].Value)
	}

	enabled, err := store.LoadRulesForBoard(ctx, "B1")
	if err != nil {
		t.Fatalf("Failed to load rules: %v", err)
	}
	if len(enabled) != 1 {
		t.Errorf("Expected 1 enabled rule, got %d", len(enabled))
	}

	rule.Enabled = false
	if err := store.Update(ctx, rule); err != nil {
		t.Fatalf("Failed to update rule: %v", err)
	}

	enabled, err = store.LoadRulesForBoard(ctx, "B1")
	if err != nil {
		t.Fatalf("Failed to load rules: %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("Expected 0 enabled rules after disabling, got %d", len(enabled))
	}

	if err := store.Delete(ctx, rule.ID); err != nil {
		t.Fatalf("Failed to delete rule: %v", err)
	}
	if _, err := store.Get(ctx, rule.ID); !errors.Is(err, rules.ErrRuleNotFound) {
		t.Errorf("Expected ErrRuleNotFound after delete, got %v", err)
	}
}

func TestPostgresRuleStore_BoardIsolationAndOrder(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		r := newRule("B1", "Done")
		ids = append(ids, r.ID)
		if err := store.Add(ctx, r); err != nil {
			t.Fatalf("Failed to add rule: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := store.Add(ctx, newRule("B2", "Done")); err != nil {
		t.Fatalf("Failed to add rule: %v", err)
	}

	loaded, err := store.LoadRulesForBoard(ctx, "B1")
	if err != nil {
		t.Fatalf("Failed to load rules: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("Expected 3 rules for B1, got %d", len(loaded))
	}
	for i, r := range loaded {
		if r.ID != ids[i] {
			t.Errorf("rule %d = %s, want %s (creation order)", i, r.ID, ids[i])
		}
	}
}

func TestPostgresEngineWithRedisCache(t *testing.T) {
	store, cleanupDB := setupTestDB(t)
	defer cleanupDB()
	client, cleanupRedis := setupRedis(t)
	defer cleanupRedis()
	ctx := context.Background()

	cache := rules.NewRedisRulesCache(client, rules.CacheConfig{TTL: time.Minute})
	engine, err := rules.NewEngine(store, rules.WithCache(cache))
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}

	rule := newRule("B1", "Done")
	if err := engine.AddRule(ctx, rule); err != nil {
		t.Fatalf("AddRule() failed: %v", err)
	}

	ev, _ := events.Construct(events.Raw{
		Type:    string(events.CardMoved),
		BoardID: "B1",
		CardID:  "C1",
		Payload: map[string]any{"toColumn": "Done"},
	}, "user-1")

	results := engine.FindMatchingRules(ctx, ev)
	if len(results) != 1 || results[0].RuleID != rule.ID {
		t.Fatalf("FindMatchingRules() = %v, want [%s]", results, rule.ID)
	}

	cached, ok := cache.Get(ctx, "B1")
	if !ok || len(cached) != 1 {
		t.Fatalf("cache should hold B1 after a match, got %v %v", cached, ok)
	}

	if err := engine.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}
	if _, ok := cache.Get(ctx, "B1"); ok {
		t.Error("DeleteRule() should invalidate the cached board")
	}

	cache.Set(ctx, "B2", []*rules.Rule{})
	cache.InvalidateAll(ctx)
	if _, ok := cache.Get(ctx, "B2"); ok {
		t.Error("InvalidateAll() should drop every board")
	}
}

