package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"promobot/internal/jobs"
	"promobot/internal/model"
	"promobot/internal/queue"
	"promobot/internal/quota"
	"promobot/internal/rotation"
	"promobot/internal/storage"
	logx "promobot/pkg/logx"
)

type enqueued struct {
	job jobs.Job
	opt queue.EnqueueOptions
}

type fakeProducer struct {
	mu        sync.Mutex
	jobs      []enqueued
	cancelled []string
	err       error
}

func (p *fakeProducer) Enqueue(_ context.Context, j jobs.Job, opt queue.EnqueueOptions) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.jobs = append(p.jobs, enqueued{job: j, opt: opt})
	return j.ID, nil
}

func (p *fakeProducer) CancelCampaign(_ context.Context, id string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, id)
	return 3, nil
}

var now = time.Date(2026, 5, 20, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store storage.Store
	prod  *fakeProducer
	orch  *Orchestrator
	dests map[string]model.Destination
	crs   map[string]model.Creative
	camp  model.Campaign
}

// newFixture seeds a campaign with destinations [A, B] and creatives [X, Y].
func newFixture(t *testing.T, tweak func(name string, d *model.Destination)) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: storage.NewMemory(),
		prod:  &fakeProducer{},
		dests: map[string]model.Destination{},
		crs:   map[string]model.Creative{},
	}
	var destIDs, crIDs []string
	for i, name := range []string{"A", "B"} {
		d := model.Destination{PlatformID: "-10" + string(rune('0'+i)), Title: name, IsActive: true, CanPost: true, MaxPostsPerDay: 5}
		if tweak != nil {
			tweak(name, &d)
		}
		saved, err := f.store.UpsertDestination(ctx, d)
		if err != nil {
			t.Fatalf("seed destination: %v", err)
		}
		f.dests[name] = saved
		destIDs = append(destIDs, saved.ID)
	}
	for _, name := range []string{"X", "Y"} {
		cr, err := f.store.UpsertCreative(ctx, model.Creative{Caption: "caption " + name, CTAText: "Shop", CTAURL: "https://shop.example/" + name})
		if err != nil {
			t.Fatalf("seed creative: %v", err)
		}
		f.crs[name] = cr
		crIDs = append(crIDs, cr.ID)
	}
	c, err := f.store.UpsertCampaign(ctx, model.Campaign{
		Name: "spring", DestinationIDs: destIDs, CreativeIDs: crIDs, Priority: model.PriorityHigh, Status: model.CampaignActive,
	})
	if err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	f.camp = c
	q := quota.New(quota.WithClock(func() time.Time { return now }))
	f.orch = New(f.store, rotation.New(f.store), q, f.prod, logx.Nop(), WithStagger(7*time.Second))
	return f
}

func payload(t *testing.T, j jobs.Job) jobs.SendMessagePayload {
	t.Helper()
	var p jobs.SendMessagePayload
	if err := j.Decode(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

func TestPostToAllDestinationsSpreadsCreatives(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rep, err := f.orch.PostToAllDestinations(context.Background(), f.camp.ID)
	if err != nil {
		t.Fatalf("PostToAllDestinations: %v", err)
	}
	if rep.Enqueued != 2 || len(f.prod.jobs) != 2 {
		t.Fatalf("enqueued = %d (%d jobs), want 2", rep.Enqueued, len(f.prod.jobs))
	}
	want := []struct {
		dest, creative string
		delay          time.Duration
	}{{"A", "X", 0}, {"B", "Y", 7 * time.Second}}
	for i, w := range want {
		got := f.prod.jobs[i]
		p := payload(t, got.job)
		if p.DestinationID != f.dests[w.dest].ID || p.CreativeID != f.crs[w.creative].ID {
			t.Fatalf("job %d = (%s, %s), want (%s, %s)", i, p.DestinationID, p.CreativeID, w.dest, w.creative)
		}
		if got.opt.Delay != w.delay {
			t.Fatalf("job %d delay = %v, want %v", i, got.opt.Delay, w.delay)
		}
		if got.opt.Priority != 10 || got.job.CampaignID != f.camp.ID {
			t.Fatalf("job %d priority=%d campaign=%q", i, got.opt.Priority, got.job.CampaignID)
		}
	}
}

func TestPostToAllDestinationsSkipsOverQuota(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(name string, d *model.Destination) {
		if name == "A" {
			d.MaxPostsPerDay = 1
			d.Stats = model.DestinationStats{TotalPosts: 4, PostsToday: 1, LastPostAt: now.Add(-3 * time.Hour)}
		}
	})

	rep, err := f.orch.PostToAllDestinations(context.Background(), f.camp.ID)
	if err != nil {
		t.Fatalf("PostToAllDestinations: %v", err)
	}
	if rep.Skipped != 1 || rep.Enqueued != 1 {
		t.Fatalf("report = %+v, want 1 skipped 1 enqueued", rep)
	}
	skip := rep.Outcomes[0]
	if skip.DestinationID != f.dests["A"].ID || skip.Status != StatusSkipped || skip.Reason != "Daily limit reached" {
		t.Fatalf("skipped outcome = %+v", skip)
	}
	if len(f.prod.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(f.prod.jobs))
	}
	p := payload(t, f.prod.jobs[0].job)
	if p.DestinationID != f.dests["B"].ID || p.CreativeID != f.crs["Y"].ID || f.prod.jobs[0].opt.Delay != 7*time.Second {
		t.Fatalf("job = %+v delay %v, want (B, Y, 7s)", p, f.prod.jobs[0].opt.Delay)
	}
}

func TestPostNextRotates(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	var got []string
	for i := 0; i < 3; i++ {
		out, err := f.orch.PostNext(ctx, f.camp.ID, "", "")
		if err != nil {
			t.Fatalf("PostNext: %v", err)
		}
		if out.Status != StatusEnqueued {
			t.Fatalf("outcome = %+v", out)
		}
		got = append(got, out.DestinationID+"/"+out.CreativeID)
	}
	a, b := f.dests["A"].ID, f.dests["B"].ID
	x, y := f.crs["X"].ID, f.crs["Y"].ID
	want := []string{a + "/" + x, b + "/" + y, a + "/" + x}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
	cr, err := f.store.ListCreatives(ctx, []string{x})
	if err != nil || cr[0].UsageCount != 2 {
		t.Fatalf("usage of X = %+v, %v, want 2", cr, err)
	}
	p := payload(t, f.prod.jobs[0].job)
	if p.Text != "caption X" || p.Button == nil || p.Button.URL != "https://shop.example/X" {
		t.Fatalf("rendered payload = %+v", p)
	}
}

func TestPostNextExplicitIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	out, err := f.orch.PostNext(ctx, f.camp.ID, f.dests["B"].ID, f.crs["X"].ID)
	if err != nil || out.DestinationID != f.dests["B"].ID || out.CreativeID != f.crs["X"].ID {
		t.Fatalf("PostNext = %+v, %v", out, err)
	}
	if _, err := f.orch.PostNext(ctx, f.camp.ID, "elsewhere", ""); !errors.Is(err, ErrNotInCampaign) {
		t.Fatalf("foreign destination err = %v, want ErrNotInCampaign", err)
	}
	if _, err := f.orch.PostNext(ctx, f.camp.ID, "", "elsewhere"); !errors.Is(err, ErrNotInCampaign) {
		t.Fatalf("foreign creative err = %v, want ErrNotInCampaign", err)
	}
}

func TestPostNextBadExplicitIDLeavesRotation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	sel := rotation.New(f.store)
	before, err := sel.State(ctx, f.camp.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}

	if _, err := f.orch.PostNext(ctx, f.camp.ID, "", "elsewhere"); !errors.Is(err, ErrNotInCampaign) {
		t.Fatalf("foreign creative err = %v, want ErrNotInCampaign", err)
	}
	if _, err := f.orch.PostNext(ctx, f.camp.ID, "elsewhere", ""); !errors.Is(err, ErrNotInCampaign) {
		t.Fatalf("foreign destination err = %v, want ErrNotInCampaign", err)
	}
	after, err := sel.State(ctx, f.camp.ID)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if after != before {
		t.Fatalf("rotation moved: %+v -> %+v", before, after)
	}
	if len(f.prod.jobs) != 0 {
		t.Fatalf("enqueued %d jobs, want 0", len(f.prod.jobs))
	}

	out, err := f.orch.PostNext(ctx, f.camp.ID, "", "")
	if err != nil || out.DestinationID != f.dests["A"].ID || out.CreativeID != f.crs["X"].ID {
		t.Fatalf("PostNext after rejection = %+v, %v, want A/X", out, err)
	}
}

func TestPostNextQuotaDenialIsOutcome(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(name string, d *model.Destination) {
		d.CooldownMinutes = 30
		d.Stats.LastPostAt = now.Add(-10 * time.Minute)
	})
	out, err := f.orch.PostNext(context.Background(), f.camp.ID, "", "")
	if err != nil {
		t.Fatalf("PostNext: %v", err)
	}
	if out.Status != StatusSkipped || out.Reason == "" {
		t.Fatalf("outcome = %+v, want skipped", out)
	}
	if len(f.prod.jobs) != 0 {
		t.Fatalf("jobs = %d, want 0", len(f.prod.jobs))
	}
}

func TestScheduleAtIntervals(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	rep, err := f.orch.ScheduleAtIntervals(context.Background(), f.camp.ID, 30*time.Minute, 5)
	if err != nil {
		t.Fatalf("ScheduleAtIntervals: %v", err)
	}
	if rep.Enqueued != 5 {
		t.Fatalf("enqueued = %d, want 5", rep.Enqueued)
	}
	for i, e := range f.prod.jobs {
		p := payload(t, e.job)
		wantDest := []string{"A", "B"}[i%2]
		wantCr := []string{"X", "Y"}[i%2]
		if p.DestinationID != f.dests[wantDest].ID || p.CreativeID != f.crs[wantCr].ID {
			t.Fatalf("post %d = (%s, %s), want (%s, %s)", i, p.DestinationID, p.CreativeID, wantDest, wantCr)
		}
		if e.opt.Delay != time.Duration(i)*30*time.Minute {
			t.Fatalf("post %d delay = %v", i, e.opt.Delay)
		}
	}
	if _, err := f.orch.ScheduleAtIntervals(context.Background(), f.camp.ID, 0, 5); err == nil {
		t.Fatalf("zero interval accepted")
	}
}

func TestEnqueueFailureDoesNotAbortFanOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.prod.err = errors.New("broker down")

	rep, err := f.orch.PostToAllDestinations(context.Background(), f.camp.ID)
	if err != nil {
		t.Fatalf("PostToAllDestinations: %v", err)
	}
	if rep.Failed != 2 || len(rep.Outcomes) != 2 {
		t.Fatalf("report = %+v, want 2 failed outcomes", rep)
	}
}

func TestEndAndExpire(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	expired, err := f.store.UpsertCampaign(ctx, model.Campaign{Name: "old", Status: model.CampaignActive, EndsAt: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	n, err := f.orch.ExpireCampaigns(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ExpireCampaigns = %d, %v, want 1", n, err)
	}
	got, _ := f.store.GetCampaign(ctx, expired.ID)
	if got.Status != model.CampaignEnded {
		t.Fatalf("status = %s, want ended", got.Status)
	}
	if len(f.prod.cancelled) != 1 || f.prod.cancelled[0] != expired.ID {
		t.Fatalf("cancelled = %v", f.prod.cancelled)
	}

	if _, err := f.orch.PostNext(ctx, expired.ID, "", ""); !errors.Is(err, ErrInactive) {
		t.Fatalf("PostNext on ended campaign err = %v, want ErrInactive", err)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		cr       model.Creative
		wantText string
		button   bool
	}{
		{"caption only", model.Creative{Caption: " Hello "}, "Hello", false},
		{"labelled cta", model.Creative{Caption: "Hello", CTAText: "Buy", CTAURL: "https://x.test"}, "Hello", true},
		{"bare url", model.Creative{Caption: "Hello", CTAURL: "https://x.test"}, "Hello\n\nhttps://x.test", false},
		{"bare url html", model.Creative{Caption: "<b>Hi</b>", CTAURL: "https://x.test/?a=1&b=2", ParseMode: "HTML"}, "<b>Hi</b>\n\n<a href=\"https://x.test/?a=1&amp;b=2\">https://x.test/?a=1&amp;b=2</a>", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			text, btn := Render(tc.cr)
			if text != tc.wantText || (btn != nil) != tc.button {
				t.Fatalf("Render = %q, %v", text, btn)
			}
		})
	}
}
