package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCardNotFound is returned when a card does not exist on the board.
var ErrCardNotFound = errors.New("card not found")

// Card is the board state actions read and write.
type Card struct {
	ID         string    `json:"id" yaml:"id"`
	BoardID    string    `json:"boardId" yaml:"boardId"`
	Title      string    `json:"title" yaml:"title"`
	Column     string    `json:"column" yaml:"column"`
	OwnerID    string    `json:"ownerId" yaml:"ownerId"`
	AssigneeID string    `json:"assigneeId,omitempty" yaml:"assigneeId,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"-"`
}

// Store is the board-state collaborator. Actions always read through it
// rather than trusting the triggering event's payload.
type Store interface {
	GetCard(ctx context.Context, boardID, cardID string) (Card, error)
	MoveCard(ctx context.Context, boardID, cardID, column string) error
	AssignUser(ctx context.Context, boardID, cardID, userID string) error
}

type cardKey struct {
	boardID string
	cardID  string
}

// MemoryStore keeps cards in memory.
type MemoryStore struct {
	cards map[cardKey]Card
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cards: make(map[cardKey]Card)}
}

// PutCard inserts or replaces a card.
func (s *MemoryStore) PutCard(card Card) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if card.UpdatedAt.IsZero() {
		card.UpdatedAt = time.Now().UTC()
	}
	s.cards[cardKey{card.BoardID, card.ID}] = card
}

func (s *MemoryStore) GetCard(ctx context.Context, boardID, cardID string) (Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, ok := s.cards[cardKey{boardID, cardID}]
	if !ok {
		return Card{}, fmt.Errorf("card %s on board %s: %w", cardID, boardID, ErrCardNotFound)
	}
	return card, nil
}

func (s *MemoryStore) MoveCard(ctx context.Context, boardID, cardID, column string) error {
	return s.update(boardID, cardID, func(c *Card) { c.Column = column })
}

func (s *MemoryStore) AssignUser(ctx context.Context, boardID, cardID, userID string) error {
	return s.update(boardID, cardID, func(c *Card) { c.AssigneeID = userID })
}

func (s *MemoryStore) update(boardID, cardID string, fn func(*Card)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cardKey{boardID, cardID}
	card, ok := s.cards[key]
	if !ok {
		return fmt.Errorf("card %s on board %s: %w", cardID, boardID, ErrCardNotFound)
	}
	fn(&card)
	card.UpdatedAt = time.Now().UTC()
	s.cards[key] = card
	return nil
}
