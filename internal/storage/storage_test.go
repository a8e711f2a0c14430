package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"promobot/internal/model"
	logx "promobot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	sq, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "promobot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemory(), "sqlite": sq}
}

func TestDestinationRoundTrip(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, err := st.UpsertDestination(ctx, model.Destination{
				PlatformID: "-1001", Title: "Deals", IsActive: true, CanPost: true, MaxPostsPerDay: 3, CooldownMinutes: 10,
			})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if d.ID == "" {
				t.Fatalf("upsert did not assign an id")
			}
			again, err := st.UpsertDestination(ctx, model.Destination{PlatformID: "-1001", Title: "Deals 2", IsActive: true})
			if err != nil {
				t.Fatalf("upsert again: %v", err)
			}
			if again.ID != d.ID {
				t.Fatalf("upsert by platform id = %q, want %q", again.ID, d.ID)
			}

			last := time.UnixMilli(time.Now().UnixMilli())
			if err := st.SaveDestinationStats(ctx, d.ID, model.DestinationStats{TotalPosts: 4, PostsToday: 2, LastPostAt: last}); err != nil {
				t.Fatalf("save stats: %v", err)
			}
			if err := st.SetDestinationAccess(ctx, d.ID, false, false); err != nil {
				t.Fatalf("set access: %v", err)
			}
			got, err := st.GetDestinationByPlatformID(ctx, "-1001")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.IsActive || got.CanPost {
				t.Fatalf("access = active:%v canPost:%v, want both false", got.IsActive, got.CanPost)
			}
			if got.Stats.PostsToday != 2 || got.Stats.TotalPosts != 4 || !got.Stats.LastPostAt.Equal(last) {
				t.Fatalf("stats = %+v", got.Stats)
			}

			if _, err := st.GetDestination(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing destination err = %v, want ErrNotFound", err)
			}
			if err := st.SetDestinationAccess(ctx, "missing", true, true); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing access err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListDestinationsKeepsOrder(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, _ := st.UpsertDestination(ctx, model.Destination{PlatformID: "a"})
			b, _ := st.UpsertDestination(ctx, model.Destination{PlatformID: "b"})
			got, err := st.ListDestinations(ctx, []string{b.ID, "ghost", a.ID})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
				t.Fatalf("list = %+v, want [b a]", got)
			}
		})
	}
}

func TestAdvanceRotationWraps(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := []int{0, 1, 2, 0, 1}
			for i, w := range want {
				got, err := st.AdvanceRotation(ctx, "c1", model.RotationDestination, 3)
				if err != nil {
					t.Fatalf("advance %d: %v", i, err)
				}
				if got != w {
					t.Fatalf("advance %d = %d, want %d", i, got, w)
				}
			}
			if got, _ := st.AdvanceRotation(ctx, "c1", model.RotationCreative, 2); got != 0 {
				t.Fatalf("first creative advance = %d, want 0", got)
			}
			rs, err := st.GetRotation(ctx, "c1")
			if err != nil {
				t.Fatalf("get rotation: %v", err)
			}
			if rs.LastDestinationIndex != 1 || rs.LastCreativeIndex != 0 {
				t.Fatalf("rotation = %+v", rs)
			}
			if _, err := st.AdvanceRotation(ctx, "c1", model.RotationDestination, 0); !errors.Is(err, ErrEmptyRotation) {
				t.Fatalf("empty advance err = %v, want ErrEmptyRotation", err)
			}
			if err := st.ResetRotation(ctx, "c1"); err != nil {
				t.Fatalf("reset: %v", err)
			}
			if got, _ := st.AdvanceRotation(ctx, "c1", model.RotationDestination, 3); got != 0 {
				t.Fatalf("advance after reset = %d, want 0", got)
			}
		})
	}
}

func TestAdvanceRotationShrunkList(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = st.AdvanceRotation(ctx, "c", model.RotationDestination, 10)
	}
	got, err := st.AdvanceRotation(ctx, "c", model.RotationDestination, 2)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got != 1 {
		t.Fatalf("advance over shrunk list = %d, want 1", got)
	}
}

func TestAdvanceRotationConcurrent(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()
	const n = 30
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := st.AdvanceRotation(ctx, "c", model.RotationCreative, 3)
			if err != nil {
				t.Errorf("advance: %v", err)
				return
			}
			mu.Lock()
			seen[idx]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	for idx := 0; idx < 3; idx++ {
		if seen[idx] != n/3 {
			t.Fatalf("index %d chosen %d times, want %d (%v)", idx, seen[idx], n/3, seen)
		}
	}
}

func TestSentMessageTracking(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.UnixMilli(time.Now().Add(-72 * time.Hour).UnixMilli())
			for i, id := range []int{10, 11, 12} {
				m := model.SentMessage{DestinationID: "d1", ChatID: "-1001", MessageID: id, SentAt: base.Add(time.Duration(i) * 24 * time.Hour)}
				if err := st.RecordSentMessage(ctx, m); err != nil {
					t.Fatalf("record: %v", err)
				}
			}
			max, err := st.MaxSentMessageID(ctx, "d1")
			if err != nil || max != 12 {
				t.Fatalf("max = %d, %v; want 12", max, err)
			}
			old, err := st.ListSentMessages(ctx, "d1", base.Add(36*time.Hour))
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(old) != 2 || old[0].MessageID != 10 || old[1].MessageID != 11 {
				t.Fatalf("old messages = %+v", old)
			}
			if err := st.MarkMessagesDeleted(ctx, "-1001", []int{10}, time.Now()); err != nil {
				t.Fatalf("mark: %v", err)
			}
			all, _ := st.ListSentMessages(ctx, "d1", time.Time{})
			if len(all) != 2 || all[0].MessageID != 11 {
				t.Fatalf("undeleted = %+v", all)
			}
			n, err := st.PruneSentMessages(ctx, base.Add(12*time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("prune = %d, %v; want 1", n, err)
			}
		})
	}
}

func TestCampaignAndCreatives(t *testing.T) {
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := st.UpsertCampaign(ctx, model.Campaign{
				Name: "spring", DestinationIDs: []string{"a", "b"}, CreativeIDs: []string{"x"},
				Priority: model.PriorityHigh, Status: model.CampaignActive,
			})
			if err != nil {
				t.Fatalf("upsert campaign: %v", err)
			}
			if err := st.SetCampaignStatus(ctx, c.ID, model.CampaignEnded); err != nil {
				t.Fatalf("set status: %v", err)
			}
			got, err := st.GetCampaign(ctx, c.ID)
			if err != nil {
				t.Fatalf("get campaign: %v", err)
			}
			if got.Status != model.CampaignEnded || len(got.DestinationIDs) != 2 || got.DestinationIDs[1] != "b" {
				t.Fatalf("campaign = %+v", got)
			}
			active, _ := st.ListCampaigns(ctx, model.CampaignActive)
			if len(active) != 0 {
				t.Fatalf("active campaigns = %d, want 0", len(active))
			}

			cr, err := st.UpsertCreative(ctx, model.Creative{ID: "x", Caption: "Sale"})
			if err != nil {
				t.Fatalf("upsert creative: %v", err)
			}
			if err := st.IncrementCreativeUsage(ctx, cr.ID, time.Now()); err != nil {
				t.Fatalf("increment: %v", err)
			}
			crs, _ := st.ListCreatives(ctx, []string{"x", "y"})
			if len(crs) != 1 || crs[0].UsageCount != 1 || crs[0].LastUsedAt.IsZero() {
				t.Fatalf("creatives = %+v", crs)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("unknown driver accepted")
	}
}
