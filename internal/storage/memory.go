package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"promobot/internal/model"
)

type memoryStore struct {
	mu sync.Mutex

	destinations map[string]model.Destination
	byPlatform   map[string]string
	campaigns    map[string]model.Campaign
	creatives    map[string]model.Creative
	rotation     map[string]model.RotationState
	sent         []model.SentMessage
}

// NewMemory returns an empty process-local store.
func NewMemory() Store {
	return &memoryStore{
		destinations: map[string]model.Destination{},
		byPlatform:   map[string]string{},
		campaigns:    map[string]model.Campaign{},
		creatives:    map[string]model.Creative{},
		rotation:     map[string]model.RotationState{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) GetDestination(_ context.Context, id string) (model.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.destinations[id]
	if !ok {
		return model.Destination{}, ErrNotFound
	}
	return d, nil
}

func (s *memoryStore) GetDestinationByPlatformID(_ context.Context, platformID string) (model.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPlatform[platformID]
	if !ok {
		return model.Destination{}, ErrNotFound
	}
	return s.destinations[id], nil
}

func (s *memoryStore) ListDestinations(_ context.Context, ids []string) ([]model.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Destination, 0, len(ids))
	for _, id := range ids {
		if d, ok := s.destinations[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memoryStore) UpsertDestination(_ context.Context, d model.Destination) (model.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.byPlatform[d.PlatformID]; ok && d.ID == "" {
		d.ID = existing
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if prev, ok := s.destinations[d.ID]; ok {
		d.CreatedAt = prev.CreatedAt
		if prev.PlatformID != d.PlatformID {
			delete(s.byPlatform, prev.PlatformID)
		}
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.destinations[d.ID] = d
	s.byPlatform[d.PlatformID] = d.ID
	return d, nil
}

func (s *memoryStore) SaveDestinationStats(_ context.Context, id string, stats model.DestinationStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.destinations[id]
	if !ok {
		return ErrNotFound
	}
	d.Stats = stats
	d.UpdatedAt = time.Now()
	s.destinations[id] = d
	return nil
}

func (s *memoryStore) SetDestinationAccess(_ context.Context, id string, active, canPost bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.destinations[id]
	if !ok {
		return ErrNotFound
	}
	d.IsActive = active
	d.CanPost = canPost
	d.UpdatedAt = time.Now()
	s.destinations[id] = d
	return nil
}

func (s *memoryStore) GetCampaign(_ context.Context, id string) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return model.Campaign{}, ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (s *memoryStore) ListCampaigns(_ context.Context, status model.CampaignStatus) ([]model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Campaign, 0, len(s.campaigns))
	for _, c := range s.campaigns {
		if status == "" || c.Status == status {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) UpsertCampaign(_ context.Context, c model.Campaign) (model.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if prev, ok := s.campaigns[c.ID]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	c.UpdatedAt = now
	c = cloneCampaign(c)
	s.campaigns[c.ID] = c
	return cloneCampaign(c), nil
}

func (s *memoryStore) SetCampaignStatus(_ context.Context, id string, status model.CampaignStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now()
	s.campaigns[id] = c
	return nil
}

func (s *memoryStore) ListCreatives(_ context.Context, ids []string) ([]model.Creative, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Creative, 0, len(ids))
	for _, id := range ids {
		if c, ok := s.creatives[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memoryStore) UpsertCreative(_ context.Context, c model.Creative) (model.Creative, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if prev, ok := s.creatives[c.ID]; ok {
		c.UsageCount = prev.UsageCount
		c.LastUsedAt = prev.LastUsedAt
	}
	s.creatives[c.ID] = c
	return c, nil
}

func (s *memoryStore) IncrementCreativeUsage(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creatives[id]
	if !ok {
		return ErrNotFound
	}
	c.UsageCount++
	c.LastUsedAt = at
	s.creatives[id] = c
	return nil
}

func (s *memoryStore) AdvanceRotation(_ context.Context, campaignID string, kind model.RotationKind, count int) (int, error) {
	if count <= 0 {
		return 0, ErrEmptyRotation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rotation[campaignID]
	if !ok {
		st = model.NewRotationState(campaignID)
	}
	var next int
	switch kind {
	case model.RotationCreative:
		next = rotationNext(st.LastCreativeIndex, count)
		st.LastCreativeIndex = next
	default:
		next = rotationNext(st.LastDestinationIndex, count)
		st.LastDestinationIndex = next
	}
	s.rotation[campaignID] = st
	return next, nil
}

func (s *memoryStore) GetRotation(_ context.Context, campaignID string) (model.RotationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.rotation[campaignID]; ok {
		return st, nil
	}
	return model.NewRotationState(campaignID), nil
}

func (s *memoryStore) ResetRotation(_ context.Context, campaignID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotation[campaignID] = model.NewRotationState(campaignID)
	return nil
}

func (s *memoryStore) RecordSentMessage(_ context.Context, m model.SentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sent {
		if s.sent[i].ChatID == m.ChatID && s.sent[i].MessageID == m.MessageID {
			s.sent[i] = m
			return nil
		}
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *memoryStore) ListSentMessages(_ context.Context, destinationID string, sentBefore time.Time) ([]model.SentMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SentMessage
	for _, m := range s.sent {
		if m.DestinationID != destinationID || !m.DeletedAt.IsZero() {
			continue
		}
		if !sentBefore.IsZero() && !m.SentAt.Before(sentBefore) {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (s *memoryStore) MaxSentMessageID(_ context.Context, destinationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, m := range s.sent {
		if m.DestinationID == destinationID && m.MessageID > max {
			max = m.MessageID
		}
	}
	return max, nil
}

func (s *memoryStore) MarkMessagesDeleted(_ context.Context, chatID string, messageIDs []int, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	want := make(map[int]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		want[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sent {
		if s.sent[i].ChatID != chatID {
			continue
		}
		if _, ok := want[s.sent[i].MessageID]; ok && s.sent[i].DeletedAt.IsZero() {
			s.sent[i].DeletedAt = at
		}
	}
	return nil
}

func (s *memoryStore) PruneSentMessages(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sent[:0]
	var n int64
	for _, m := range s.sent {
		if m.SentAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.sent = kept
	return n, nil
}

func cloneCampaign(c model.Campaign) model.Campaign {
	c.DestinationIDs = append([]string(nil), c.DestinationIDs...)
	c.CreativeIDs = append([]string(nil), c.CreativeIDs...)
	return c
}
