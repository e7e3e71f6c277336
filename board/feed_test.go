package board

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automations/events"
)

func boardEvent(kind events.Kind, payload map[string]any) events.Event {
	return events.Event{
		ID:          "evt-1",
		Type:        kind,
		BoardID:     "B1",
		CardID:      "C1",
		TriggeredBy: "user-1",
		Payload:     payload,
	}
}

func TestApplyEventCreatesUnknownCard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.ApplyEvent(boardEvent(events.CardMoved, map[string]any{"fromColumn": "Doing", "toColumn": "Done"}))

	card, err := store.GetCard(ctx, "B1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "Done", card.Column)
	assert.Equal(t, "user-1", card.OwnerID)
	assert.False(t, card.UpdatedAt.IsZero())
}

func TestApplyEventFoldsChanges(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	store.ApplyEvent(boardEvent(events.CardCreated, map[string]any{
		"title": "Launch", "column": "Backlog", "ownerId": "alice",
	}))
	store.ApplyEvent(boardEvent(events.CardMoved, map[string]any{"toColumn": "Review"}))
	store.ApplyEvent(boardEvent(events.CardAssigned, map[string]any{"assigneeId": "bob"}))
	store.ApplyEvent(boardEvent(events.CardUpdated, map[string]any{"title": "Launch v2"}))
	// comments carry no card state
	store.ApplyEvent(boardEvent(events.CardCommented, map[string]any{"text": "lgtm"}))

	card, err := store.GetCard(ctx, "B1", "C1")
	require.NoError(t, err)
	assert.Equal(t, Card{
		ID: "C1", BoardID: "B1", Title: "Launch v2", Column: "Review",
		OwnerID: "alice", AssigneeID: "bob", UpdatedAt: card.UpdatedAt,
	}, card)
}

func TestApplyEventKeepsSeededOwner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.PutCard(Card{ID: "C1", BoardID: "B1", Title: "Launch", Column: "Doing", OwnerID: "alice"})

	store.ApplyEvent(boardEvent(events.CardMoved, map[string]any{"toColumn": "Done", "ownerId": "mallory"}))

	card, err := store.GetCard(ctx, "B1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "alice", card.OwnerID)
	assert.Equal(t, "Launch", card.Title)
	assert.Equal(t, "Done", card.Column)
}

func TestApplyEventIgnoresNonStringFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.PutCard(Card{ID: "C1", BoardID: "B1", Column: "Doing"})

	store.ApplyEvent(boardEvent(events.CardMoved, map[string]any{"toColumn": 7}))

	card, err := store.GetCard(ctx, "B1", "C1")
	require.NoError(t, err)
	assert.Equal(t, "Doing", card.Column)
}

func TestLoadCardsFile(t *testing.T) {
	cards, err := LoadCardsFile("../config/cards.example.yml")
	require.NoError(t, err)
	require.Len(t, cards, 2)
	assert.Equal(t, "card-1", cards[0].ID)
	assert.Equal(t, "board-demo", cards[0].BoardID)
	assert.Equal(t, "alice", cards[0].OwnerID)
	assert.Equal(t, "carol", cards[1].AssigneeID)
}

func TestLoadCardsFileErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := LoadCardsFile(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)

	_, err = LoadCardsFile(write("cards.json", `{"cards":[]}`))
	assert.ErrorContains(t, err, "unsupported")

	_, err = LoadCardsFile(write("broken.yml", "cards: [\n"))
	assert.ErrorContains(t, err, "parse cards file")

	_, err = LoadCardsFile(write("partial.yml", "cards:\n  - id: C1\n"))
	assert.True(t, errors.Is(err, errIncompleteCard))
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(ctx context.Context, n Notification) error { return f.err }

func TestMultiNotifierDeliversToAll(t *testing.T) {
	ctx := context.Background()
	first, second := &RecordingNotifier{}, &RecordingNotifier{}
	boom := errors.New("boom")

	err := MultiNotifier{first, failingNotifier{boom}, second}.Notify(ctx, Notification{Recipient: "alice"})
	assert.True(t, errors.Is(err, boom))
	assert.Len(t, first.Sent(), 1)
	assert.Len(t, second.Sent(), 1)

	assert.NoError(t, MultiNotifier{first}.Notify(ctx, Notification{Recipient: "bob"}))
}
