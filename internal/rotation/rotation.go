// Package rotation hands out round-robin destination and creative indexes
// per campaign. Cursors live in the shared store so every worker process
// advances the same pair.
package rotation

import (
	"context"
	"fmt"

	"promobot/internal/model"
)

// Store persists cursors. storage.Store satisfies it.
type Store interface {
	AdvanceRotation(ctx context.Context, campaignID string, kind model.RotationKind, count int) (int, error)
	GetRotation(ctx context.Context, campaignID string) (model.RotationState, error)
	ResetRotation(ctx context.Context, campaignID string) error
}

type Selector struct {
	store Store
}

func New(store Store) *Selector { return &Selector{store: store} }

// NextDestinationIndex returns (last + 1) mod count for the destination cursor.
// count must be positive.
func (s *Selector) NextDestinationIndex(ctx context.Context, campaignID string, count int) (int, error) {
	return s.next(ctx, campaignID, model.RotationDestination, count)
}

// NextCreativeIndex is NextDestinationIndex for the creative cursor.
func (s *Selector) NextCreativeIndex(ctx context.Context, campaignID string, count int) (int, error) {
	return s.next(ctx, campaignID, model.RotationCreative, count)
}

func (s *Selector) Reset(ctx context.Context, campaignID string) error {
	return s.store.ResetRotation(ctx, campaignID)
}

func (s *Selector) State(ctx context.Context, campaignID string) (model.RotationState, error) {
	return s.store.GetRotation(ctx, campaignID)
}

func (s *Selector) next(ctx context.Context, campaignID string, kind model.RotationKind, count int) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("rotation %s for campaign %s: count must be positive, got %d", kind, campaignID, count)
	}
	idx, err := s.store.AdvanceRotation(ctx, campaignID, kind, count)
	if err != nil {
		return 0, fmt.Errorf("rotation %s for campaign %s: %w", kind, campaignID, err)
	}
	return idx, nil
}
