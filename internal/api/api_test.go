package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"promobot/internal/campaign"
	"promobot/internal/jobs"
	"promobot/internal/model"
	"promobot/internal/queue"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

type fakeCampaigns struct {
	postNext   []string
	interval   time.Duration
	totalPosts int
	err        error
}

func (f *fakeCampaigns) PostNext(_ context.Context, id, dest, cr string) (campaign.Outcome, error) {
	f.postNext = []string{id, dest, cr}
	if f.err != nil {
		return campaign.Outcome{}, f.err
	}
	return campaign.Outcome{DestinationID: "d1", Status: campaign.StatusEnqueued, JobID: "j1"}, nil
}

func (f *fakeCampaigns) PostToAllDestinations(_ context.Context, id string) (campaign.Report, error) {
	return campaign.Report{CampaignID: id, Enqueued: 2}, f.err
}

func (f *fakeCampaigns) ScheduleAtIntervals(_ context.Context, id string, interval time.Duration, total int) (campaign.Report, error) {
	f.interval, f.totalPosts = interval, total
	return campaign.Report{CampaignID: id, Enqueued: total}, f.err
}

func (f *fakeCampaigns) End(_ context.Context, id string) (campaign.EndResult, error) {
	return campaign.EndResult{CampaignID: id, Cancelled: 4}, f.err
}

type fakeRotation struct{ reset string }

func (f *fakeRotation) Reset(_ context.Context, id string) error { f.reset = id; return nil }

type fakeEngine struct{}

func (fakeEngine) Snapshot() engine.Snapshot { return engine.Snapshot{Enabled: true, Workers: 3} }

type fakeQueue struct {
	jobs []jobs.Job
	opts []queue.EnqueueOptions
}

func (q *fakeQueue) Enqueue(_ context.Context, j jobs.Job, opt queue.EnqueueOptions) (string, error) {
	q.jobs = append(q.jobs, j)
	q.opts = append(q.opts, opt)
	return j.ID, nil
}

func (q *fakeQueue) CancelCampaign(context.Context, string) (int, error) { return 0, nil }

func (q *fakeQueue) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Driver: "memory", Ready: len(q.jobs)}, nil
}

type fixture struct {
	camps *fakeCampaigns
	rot   *fakeRotation
	q     *fakeQueue
	srv   http.Handler
}

func newFixture() *fixture {
	f := &fixture{camps: &fakeCampaigns{}, rot: &fakeRotation{}, q: &fakeQueue{}}
	f.srv = NewHandler(Deps{Campaigns: f.camps, Rotation: f.rot, Engine: fakeEngine{}, Queue: f.q}, logx.Nop()).Router(false)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndInspection(t *testing.T) {
	t.Parallel()
	f := newFixture()

	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/engine", "")
	var snap engine.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || snap.Workers != 3 {
		t.Fatalf("engine = %s, %v", rec.Body.String(), err)
	}
	rec = f.do(t, http.MethodGet, "/queue", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"driver":"memory"`) {
		t.Fatalf("queue = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/jobs", `{"type":"delete-message","payload":{"chatId":"-100","messageId":7},"priority":5,"delayMs":1500}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if len(f.q.jobs) != 1 || f.q.jobs[0].Type != jobs.DeleteMessage {
		t.Fatalf("jobs = %+v", f.q.jobs)
	}
	if f.q.opts[0].Delay != 1500*time.Millisecond || f.q.opts[0].Priority != 5 {
		t.Fatalf("opts = %+v", f.q.opts[0])
	}

	for _, body := range []string{
		`{"type":"format-disk","payload":{}}`,
		`{"type":"delete-message","delayMs":-1}`,
		`{"type":"delete-message","bogus":true}`,
	} {
		if rec := f.do(t, http.MethodPost, "/jobs", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestCampaignRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/campaigns/c1/post-next", `{"destinationId":"d1"}`)
	if rec.Code != http.StatusOK || strings.Join(f.camps.postNext, ",") != "c1,d1," {
		t.Fatalf("post-next = %d %v", rec.Code, f.camps.postNext)
	}
	if rec := f.do(t, http.MethodPost, "/campaigns/c1/post-next", ""); rec.Code != http.StatusOK {
		t.Fatalf("post-next without body = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/campaigns/c1/post-all", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enqueued":2`) {
		t.Fatalf("post-all = %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/campaigns/c1/schedule", `{"interval":"30m","totalPosts":4}`)
	if rec.Code != http.StatusOK || f.camps.interval != 30*time.Minute || f.camps.totalPosts != 4 {
		t.Fatalf("schedule = %d interval=%v total=%d", rec.Code, f.camps.interval, f.camps.totalPosts)
	}
	if rec := f.do(t, http.MethodPost, "/campaigns/c1/schedule", `{"interval":"soon","totalPosts":4}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad interval = %d, want 400", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/campaigns/c1/end", ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"cancelledJobs":4`) {
		t.Fatalf("end = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodDelete, "/campaigns/c1/rotation", ""); rec.Code != http.StatusNoContent || f.rot.reset != "c1" {
		t.Fatalf("reset rotation = %d %q", rec.Code, f.rot.reset)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("campaign x: %w", model.ErrNotFound), http.StatusNotFound},
		{campaign.ErrNotInCampaign, http.StatusBadRequest},
		{campaign.ErrInactive, http.StatusConflict},
		{campaign.ErrEmpty, http.StatusConflict},
		{queue.ErrClosed, http.StatusServiceUnavailable},
		{fmt.Errorf("database on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture()
		f.camps.err = tc.err
		if rec := f.do(t, http.MethodPost, "/campaigns/c1/post-next", ""); rec.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, rec.Code, tc.want)
		}
	}
}
