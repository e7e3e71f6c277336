package automation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/automations/board"
	"github.com/liamcoop/automations/rules"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&MockAction{kind: "a"}))

	a, ok := r.Resolve("a")
	assert.True(t, ok)
	assert.Equal(t, "a", a.Kind())

	_, ok = r.Resolve("missing")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicatesAndEmptyKinds(t *testing.T) {
	r := NewRegistry(&MockAction{kind: "a"})
	assert.Error(t, r.Register(&MockAction{kind: "a"}))
	assert.Error(t, r.Register(&MockAction{kind: ""}))

	assert.Panics(t, func() {
		NewRegistry(&MockAction{kind: "x"}, &MockAction{kind: "x"})
	})
}

func TestRegistryKindsSorted(t *testing.T) {
	r := NewRegistry(&MockAction{kind: "webhook"}, &MockAction{kind: "assign_user"}, &MockAction{kind: "notify"})
	assert.Equal(t, []string{"assign_user", "notify", "webhook"}, r.Kinds())
}

func TestBuiltinRegistry(t *testing.T) {
	r := NewBuiltinRegistry(board.NewMemoryStore(), &board.RecordingNotifier{}, nil)
	assert.Equal(t, []string{KindAssignUser, KindMoveCard, KindNotify, KindWebhook}, r.Kinds())
}

func TestValidateActions(t *testing.T) {
	r := NewRegistry(&MockAction{kind: "notify"})

	assert.NoError(t, r.ValidateActions([]rules.ActionSpec{{Kind: "notify"}}))
	assert.NoError(t, r.ValidateActions(nil))

	err := r.ValidateActions([]rules.ActionSpec{{Kind: "notify"}, {Kind: "teleport"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownAction))
	assert.Contains(t, err.Error(), "teleport")
}
