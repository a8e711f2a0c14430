package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"promobot/internal/bulk"
	"promobot/internal/delivery"
	"promobot/internal/model"
	"promobot/internal/platform"
	"promobot/internal/platform/platformtest"
	"promobot/internal/quota"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

var testNow = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store storage.Store
	fake  *platformtest.Client
	disp  *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemory(), fake: platformtest.New()}
	clock := func() time.Time { return testNow }
	exec := delivery.NewExecutor(f.fake, f.store, quota.New(quota.WithClock(clock)), nil, logx.Nop())
	noSleep := bulk.WithSleep(func(context.Context, time.Duration) error { return nil })
	eng := bulk.New(f.fake, bulk.Config{}, logx.Nop(), noSleep, bulk.WithTracker(exec))
	f.disp = NewDispatcher(exec, eng, f.fake, f.store, logx.Nop(), WithClock(clock))
	return f
}

func (f *fixture) destination(t *testing.T, d model.Destination) model.Destination {
	t.Helper()
	saved, err := f.store.UpsertDestination(context.Background(), d)
	if err != nil {
		t.Fatalf("seed destination: %v", err)
	}
	return saved
}

func mustJob(t *testing.T, typ Type, payload any) Job {
	t.Helper()
	j, err := New(typ, payload)
	if err != nil {
		t.Fatalf("New(%s): %v", typ, err)
	}
	return j
}

func TestSendMessageJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.destination(t, model.Destination{PlatformID: "-100", IsActive: true, CanPost: true, MaxPostsPerDay: 3})

	res, err := f.disp.Handle(context.Background(), mustJob(t, SendMessage, SendMessagePayload{
		ChatID: "-100", Text: "hello", Button: &Button{Text: "Open", URL: "https://example.com"},
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	sr, ok := res.(delivery.SendResult)
	if !ok || sr.MessageID != 1001 {
		t.Fatalf("result = %#v, want SendResult{MessageID: 1001}", res)
	}
	calls := f.fake.Calls("send")
	if len(calls) != 1 || calls[0].Options.Button == nil || calls[0].Options.Button.URL != "https://example.com" {
		t.Fatalf("send calls = %+v", calls)
	}
}

func TestRetrySignals(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		sendErr   error
		dest      model.Destination
		wantNo    bool
		wantAfter time.Duration
	}{
		{
			name:      "flood wait is retried after the hint",
			sendErr:   &platform.Error{Code: 429, Description: "Too Many Requests: retry after 12", RetryAfter: 12 * time.Second},
			dest:      model.Destination{PlatformID: "-1", IsActive: true, CanPost: true},
			wantAfter: 12 * time.Second,
		},
		{
			name:    "blocked bot is terminal",
			sendErr: &platform.Error{Code: 403, Description: "Forbidden: bot was kicked from the supergroup chat"},
			dest:    model.Destination{PlatformID: "-1", IsActive: true, CanPost: true},
			wantNo:  true,
		},
		{
			name:   "quota denial is never retried",
			dest:   model.Destination{PlatformID: "-1", IsActive: false},
			wantNo: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.destination(t, tc.dest)
			if tc.sendErr != nil {
				f.fake.SendFunc = func(string, string, platform.SendOptions) (int, error) { return 0, tc.sendErr }
			}
			_, err := f.disp.Handle(context.Background(), mustJob(t, SendMessage, SendMessagePayload{ChatID: "-1", Text: "x"}))
			if err == nil {
				t.Fatalf("Handle: want error")
			}
			if got := engine.IsNoRetry(err); got != tc.wantNo {
				t.Fatalf("IsNoRetry = %v, want %v (err=%v)", got, tc.wantNo, err)
			}
			if tc.wantAfter > 0 {
				var ra engine.RetryAfterError
				if !errors.As(err, &ra) || ra.RetryAfter() != tc.wantAfter {
					t.Fatalf("RetryAfter missing or wrong: %v", err)
				}
			}
		})
	}
}

func TestInvalidPayloadIsNoRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cases := []Job{
		{ID: "1", Type: SendMessage, Payload: json.RawMessage(`{"chatId":"-1"}`)},
		{ID: "2", Type: SendMessage, Payload: json.RawMessage(`{"chatId":"-1","text":"x","bogus":1}`)},
		{ID: "3", Type: DeleteMessage, Payload: json.RawMessage(`{"chatId":"-1"}`)},
		{ID: "4", Type: "nope", Payload: json.RawMessage(`{}`)},
		mustJob(t, SendMessage, SendMessagePayload{ChatID: "-1", Text: strings.Repeat("é", 4097)}),
	}
	for _, j := range cases {
		_, err := f.disp.Handle(context.Background(), j)
		if !errors.Is(err, ErrInvalidPayload) || !engine.IsNoRetry(err) {
			t.Fatalf("job %s: err = %v, want no-retry invalid payload", j.ID, err)
		}
	}
}

func TestCampaignJobDroppedWhenEnded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.destination(t, model.Destination{PlatformID: "-1", IsActive: true, CanPost: true})
	c, err := f.store.UpsertCampaign(ctx, model.Campaign{Name: "spring", Status: model.CampaignEnded})
	if err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	j := mustJob(t, SendMessage, SendMessagePayload{ChatID: "-1", Text: "x", CampaignID: c.ID})

	res, err := f.disp.Handle(ctx, j)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if cr, ok := res.(Cancelled); !ok || !cr.Cancelled {
		t.Fatalf("result = %#v, want Cancelled", res)
	}
	if n := len(f.fake.Calls("send")); n != 0 {
		t.Fatalf("send calls = %d, want 0", n)
	}
}

func TestClearAllMessages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	d := f.destination(t, model.Destination{PlatformID: "-5", IsActive: true, CanPost: true})
	for _, m := range []struct {
		id  int
		age time.Duration
	}{{10, 72 * time.Hour}, {11, 50 * time.Hour}, {12, time.Hour}} {
		if err := f.store.RecordSentMessage(ctx, model.SentMessage{
			DestinationID: d.ID, ChatID: "-5", MessageID: m.id, SentAt: testNow.Add(-m.age),
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	res, err := f.disp.Handle(ctx, mustJob(t, ClearAllMessages, ClearAllMessagesPayload{
		DestinationID: d.ID, OlderThanDays: 2, FromMessageID: 8,
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	br := res.(bulk.Result)
	// tracked 10,11 then range 8..12 without 10,11 -> 8,9,12
	if br.DeletedCount != 5 || br.FailedCount != 0 || !br.Success {
		t.Fatalf("result = %+v, want 5 deleted", br)
	}
	if br.Errors == nil {
		t.Fatalf("Errors is nil, want empty slice")
	}
	calls := f.fake.Calls("bulk")
	if len(calls) != 2 {
		t.Fatalf("bulk calls = %d, want 2", len(calls))
	}
	if got := calls[1].MessageIDs; len(got) != 3 || got[0] != 8 || got[2] != 12 {
		t.Fatalf("range ids = %v, want [8 9 12]", got)
	}
	left, _ := f.store.ListSentMessages(ctx, d.ID, time.Time{})
	if len(left) != 0 {
		t.Fatalf("tracked left = %d, want 0", len(left))
	}
}

func TestSyncDestination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("reactivates with admin post rights", func(t *testing.T) {
		f := newFixture(t)
		d := f.destination(t, model.Destination{PlatformID: "-7", IsActive: false})
		f.fake.Chat = platform.ChatInfo{Title: "Deals", Type: "supergroup"}
		f.fake.Member = platform.MemberInfo{Status: platform.MemberAdministrator, IsAdmin: true, CanPostMessages: true, CanDeleteMessages: true}

		res, err := f.disp.Handle(ctx, mustJob(t, SyncDestination, SyncDestinationPayload{DestinationID: d.ID}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		sr := res.(SyncDestinationResult)
		if !sr.Reactivated || !sr.IsActive || sr.Title != "Deals" || !sr.CanDelete {
			t.Fatalf("result = %+v", sr)
		}
	})

	t.Run("stays inactive without post rights", func(t *testing.T) {
		f := newFixture(t)
		d := f.destination(t, model.Destination{PlatformID: "-7", IsActive: false})
		f.fake.Member = platform.MemberInfo{Status: platform.MemberAdministrator, IsAdmin: true}

		res, err := f.disp.Handle(ctx, mustJob(t, SyncDestination, SyncDestinationPayload{DestinationID: d.ID}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if sr := res.(SyncDestinationResult); sr.Reactivated || sr.IsActive {
			t.Fatalf("result = %+v, want inactive", sr)
		}
	})

	t.Run("deactivates when chat is gone", func(t *testing.T) {
		f := newFixture(t)
		d := f.destination(t, model.Destination{PlatformID: "-7", IsActive: true, CanPost: true})
		f.fake.ChatErr = &platform.Error{Code: 400, Description: "Bad Request: chat not found"}

		res, err := f.disp.Handle(ctx, mustJob(t, SyncDestination, SyncDestinationPayload{ChatID: "-7"}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if sr := res.(SyncDestinationResult); !sr.Deactivated {
			t.Fatalf("result = %+v, want deactivated", sr)
		}
		got, _ := f.store.GetDestination(ctx, d.ID)
		if got.IsActive || got.CanPost {
			t.Fatalf("destination = %+v, want inactive", got)
		}
	})

	t.Run("unknown chat without admin is refused", func(t *testing.T) {
		f := newFixture(t)
		f.fake.Member = platform.MemberInfo{Status: platform.MemberRegular}

		_, err := f.disp.Handle(ctx, mustJob(t, SyncDestination, SyncDestinationPayload{ChatID: "-9"}))
		if !errors.Is(err, ErrNotAdministrator) || !engine.IsNoRetry(err) {
			t.Fatalf("err = %v, want no-retry ErrNotAdministrator", err)
		}
	})

	t.Run("creates destination for new admin chat", func(t *testing.T) {
		f := newFixture(t)
		f.fake.Member = platform.MemberInfo{Status: platform.MemberAdministrator, IsAdmin: true, CanPostMessages: true}

		res, err := f.disp.Handle(ctx, mustJob(t, SyncDestination, SyncDestinationPayload{ChatID: "-9"}))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		sr := res.(SyncDestinationResult)
		got, err := f.store.GetDestinationByPlatformID(ctx, "-9")
		if err != nil || got.ID != sr.DestinationID || !got.IsActive {
			t.Fatalf("stored = %+v, %v", got, err)
		}
	})
}

func TestReadOnlyLookups(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.Chat = platform.ChatInfo{Type: "channel", Title: "News", MemberCount: 42}
	f.fake.Member = platform.MemberInfo{Status: platform.MemberAdministrator, IsAdmin: true, CanPinMessages: true}
	ctx := context.Background()

	res, err := f.disp.Handle(ctx, mustJob(t, GetChatInfo, ChatPayload{ChatID: "@news"}))
	if err != nil {
		t.Fatalf("get-chat-info: %v", err)
	}
	if ci := res.(platform.ChatInfo); ci.ID != "@news" || ci.MemberCount != 42 {
		t.Fatalf("chat = %+v", ci)
	}
	res, err = f.disp.Handle(ctx, mustJob(t, CheckPermissions, ChatPayload{ChatID: "@news"}))
	if err != nil {
		t.Fatalf("check-permissions: %v", err)
	}
	if pr := res.(PermissionsResult); !pr.IsAdmin || !pr.CanPinMessages {
		t.Fatalf("permissions = %+v", pr)
	}
}
