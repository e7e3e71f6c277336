package board

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liamcoop/automations/events"
)

// ApplyEvent folds a board event into the stored card so actions see the
// state the event describes. Unknown cards are created; the owner comes from
// payload.ownerId, else the principal that triggered the event.
func (s *MemoryStore) ApplyEvent(ev events.Event) Card {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cardKey{ev.BoardID, ev.CardID}
	card, ok := s.cards[key]
	if !ok {
		card = Card{ID: ev.CardID, BoardID: ev.BoardID, OwnerID: ev.TriggeredBy}
		if owner, ok := ev.StringField("ownerId"); ok {
			card.OwnerID = owner
		}
	}

	switch ev.Type {
	case events.CardCreated:
		if title, ok := ev.StringField("title"); ok {
			card.Title = title
		}
		if column, ok := ev.StringField("column"); ok {
			card.Column = column
		}
	case events.CardMoved:
		if column, ok := ev.StringField("toColumn"); ok {
			card.Column = column
		}
	case events.CardUpdated:
		if title, ok := ev.StringField("title"); ok {
			card.Title = title
		}
	case events.CardAssigned:
		if assignee, ok := ev.StringField("assigneeId"); ok {
			card.AssigneeID = assignee
		}
	}

	card.UpdatedAt = time.Now().UTC()
	s.cards[key] = card
	return card
}

type cardsFile struct {
	Cards []Card `yaml:"cards"`
}

// LoadCardsFile reads a YAML list of cards used to seed a MemoryStore.
func LoadCardsFile(path string) ([]Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cards file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yml" && ext != ".yaml" {
		return nil, fmt.Errorf("unsupported cards file extension %q", ext)
	}

	var file cardsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse cards file: %w", err)
	}

	for i, c := range file.Cards {
		if c.ID == "" || c.BoardID == "" {
			return nil, fmt.Errorf("card %d: %w", i, errIncompleteCard)
		}
	}
	return file.Cards, nil
}

var errIncompleteCard = errors.New("id and boardId are required")
