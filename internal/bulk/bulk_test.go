package bulk

import (
	"context"
	"sync"
	"testing"
	"time"

	"promobot/internal/platform"
	"promobot/internal/platform/platformtest"
	logx "promobot/pkg/logx"
)

type sleepLog struct {
	mu sync.Mutex
	ds []time.Duration
}

func (s *sleepLog) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.ds = append(s.ds, d)
	s.mu.Unlock()
	return nil
}

type trackerFunc func(ctx context.Context, chatID string, ids []int)

func (f trackerFunc) MarkDeleted(ctx context.Context, chatID string, ids []int) { f(ctx, chatID, ids) }

func ids(from, to int) []int {
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func TestDeleteManyBatchesAndFallsBack(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	bulkCalls := 0
	fake.BulkFunc = func(_ string, batch []int) error {
		bulkCalls++
		if bulkCalls == 2 {
			return &platform.Error{Code: 400, Description: "Bad Request: method is not supported"}
		}
		return nil
	}
	sl := &sleepLog{}
	tracked := 0
	e := New(fake, Config{BatchDelay: time.Second}, logx.Nop(),
		WithSleep(sl.sleep),
		WithTracker(trackerFunc(func(_ context.Context, _ string, got []int) { tracked += len(got) })),
	)

	res, err := e.DeleteMany(context.Background(), "-100", ids(1, 250))
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	bulk := fake.Calls("bulk")
	if len(bulk) != 3 {
		t.Fatalf("bulk calls = %d, want 3", len(bulk))
	}
	for i, want := range []int{100, 100, 50} {
		if got := len(bulk[i].MessageIDs); got != want {
			t.Fatalf("batch %d size = %d, want %d", i, got, want)
		}
	}
	singles := fake.Calls("delete")
	if len(singles) != 100 {
		t.Fatalf("individual deletes = %d, want 100", len(singles))
	}
	if singles[0].MessageIDs[0] != 101 || singles[99].MessageIDs[0] != 200 {
		t.Fatalf("fallback covered %d..%d, want 101..200", singles[0].MessageIDs[0], singles[99].MessageIDs[0])
	}
	if !res.Success || res.DeletedCount != 250 || res.FailedCount != 0 {
		t.Fatalf("result = %+v", res)
	}
	if tracked != 250 {
		t.Fatalf("tracked = %d, want 250", tracked)
	}
	if len(sl.ds) != 2 || sl.ds[0] != time.Second {
		t.Fatalf("sleeps = %v, want two inter-batch delays", sl.ds)
	}
}

func TestFallbackCountsGoneAsDeletedAndCollectsFailures(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	fake.BulkFunc = func(string, []int) error {
		return &platform.Error{Code: 400, Description: "Bad Request: MESSAGE_IDS_INVALID"}
	}
	fake.DeleteFunc = func(_ string, id int) error {
		switch id {
		case 2:
			return &platform.Error{Code: 400, Description: "Bad Request: message to delete not found"}
		case 3:
			return &platform.Error{Code: 400, Description: "Bad Request: message can't be deleted"}
		}
		return nil
	}
	e := New(fake, Config{}, logx.Nop(), WithSleep((&sleepLog{}).sleep))
	res, err := e.DeleteMany(context.Background(), "-100", []int{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if res.Success || res.DeletedCount != 3 || res.FailedCount != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRecoverableBatchRetriedOnce(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	calls := 0
	fake.BulkFunc = func(string, []int) error {
		calls++
		if calls == 1 {
			return &platform.Error{Code: 429, Description: "Too Many Requests: retry after 7", RetryAfter: 7 * time.Second}
		}
		return nil
	}
	sl := &sleepLog{}
	e := New(fake, Config{}, logx.Nop(), WithSleep(sl.sleep))
	res, err := e.DeleteMany(context.Background(), "-100", ids(1, 10))
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if calls != 2 || len(fake.Calls("delete")) != 0 {
		t.Fatalf("bulk calls = %d, singles = %d; want 2, 0", calls, len(fake.Calls("delete")))
	}
	if len(sl.ds) != 1 || sl.ds[0] != 7*time.Second {
		t.Fatalf("sleeps = %v, want [7s]", sl.ds)
	}
	if !res.Success || res.DeletedCount != 10 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRecoverableRetryFailureFallsBack(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	fake.BulkFunc = func(string, []int) error {
		return &platform.Error{Code: 502, Description: "Bad Gateway"}
	}
	e := New(fake, Config{}, logx.Nop(), WithSleep((&sleepLog{}).sleep))
	res, _ := e.DeleteMany(context.Background(), "-100", ids(1, 5))
	if got := len(fake.Calls("bulk")); got != 2 {
		t.Fatalf("bulk calls = %d, want 2", got)
	}
	if got := len(fake.Calls("delete")); got != 5 {
		t.Fatalf("individual deletes = %d, want 5", got)
	}
	if res.DeletedCount != 5 {
		t.Fatalf("deleted = %d, want 5", res.DeletedCount)
	}
}

func TestDeleteRangeAbortsOnPermissionLoss(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	n := 0
	fake.BulkFunc = func(string, []int) error {
		n++
		if n == 2 {
			return &platform.Error{Code: 403, Description: "Forbidden: not enough rights to delete messages"}
		}
		return nil
	}
	e := New(fake, Config{}, logx.Nop(), WithSleep((&sleepLog{}).sleep))
	res, err := e.DeleteRange(context.Background(), "-100", 1, 300)
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	if !res.Aborted || res.Success {
		t.Fatalf("result = %+v, want aborted", res)
	}
	if res.DeletedCount != 100 {
		t.Fatalf("partial progress = %d, want 100", res.DeletedCount)
	}
	if res.FailedCount != 200 {
		t.Fatalf("FailedCount = %d, want 200 (aborting batch plus the rest)", res.FailedCount)
	}
	if res.DeletedCount+res.FailedCount != 300 {
		t.Fatalf("deleted+failed = %d, want every id of the range", res.DeletedCount+res.FailedCount)
	}
	if got := len(fake.Calls("bulk")); got != 2 {
		t.Fatalf("bulk calls = %d, want 2 (no third batch)", got)
	}
	if got := len(fake.Calls("delete")); got != 0 {
		t.Fatalf("individual deletes = %d, want 0", got)
	}
}

func TestDeleteRangeAbortDuringFallbackCountsRest(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	fake.BulkFunc = func(string, []int) error {
		return &platform.Error{Code: 400, Description: "Bad Request: messages are too old"}
	}
	fake.DeleteFunc = func(_ string, id int) error {
		switch id {
		case 2:
			return &platform.Error{Code: 400, Description: "Bad Request: message is too old"}
		case 5:
			return &platform.Error{Code: 403, Description: "Forbidden: bot is not allowed here"}
		}
		return nil
	}
	e := New(fake, Config{}, logx.Nop(), WithSleep((&sleepLog{}).sleep))
	res, err := e.DeleteRange(context.Background(), "-100", 1, 10)
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	cases := []struct {
		name      string
		got, want int
	}{
		{"deleted", res.DeletedCount, 3},
		{"failed", res.FailedCount, 7},
		{"individual calls", len(fake.Calls("delete")), 5},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("%s = %d, want %d", tc.name, tc.got, tc.want)
		}
	}
	if !res.Aborted || res.Success {
		t.Fatalf("result = %+v, want aborted and unsuccessful", res)
	}
}

func TestDeleteRangeClamp(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	e := New(fake, Config{MaxRange: 150}, logx.Nop(), WithSleep((&sleepLog{}).sleep))
	res, err := e.DeleteRange(context.Background(), "-100", 1, 1000)
	if err != nil {
		t.Fatalf("DeleteRange: %v", err)
	}
	bulk := fake.Calls("bulk")
	if res.DeletedCount != 150 || len(bulk) != 2 || bulk[0].MessageIDs[0] != 851 {
		t.Fatalf("deleted = %d, batches = %d", res.DeletedCount, len(bulk))
	}
	if _, err := e.DeleteRange(context.Background(), "-100", 10, 5); err == nil {
		t.Fatalf("inverted range accepted")
	}
}

func TestDeleteManyStopsOnCancel(t *testing.T) {
	t.Parallel()
	fake := platformtest.New()
	ctx, cancel := context.WithCancel(context.Background())
	e := New(fake, Config{}, logx.Nop(), WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	res, err := e.DeleteMany(ctx, "-100", ids(1, 150))
	if err == nil {
		t.Fatalf("cancelled run returned nil error")
	}
	if res.DeletedCount != 100 {
		t.Fatalf("deleted before cancel = %d, want 100", res.DeletedCount)
	}
}
