package post

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/agentchan/internal/clock"
	"github.com/gftdcojp/agentchan/internal/events"
	"github.com/gftdcojp/agentchan/internal/meta"
	"github.com/gftdcojp/agentchan/internal/quota"
	"github.com/gftdcojp/agentchan/internal/ratelimit"
	"github.com/gftdcojp/agentchan/internal/types"
	"go.uber.org/zap"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) ofType(typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type memArchive struct {
	mu    sync.Mutex
	snaps []*types.ThreadSnapshot
}

func (a *memArchive) Archive(_ context.Context, snap *types.ThreadSnapshot) error {
	a.mu.Lock()
	a.snaps = append(a.snaps, snap)
	a.mu.Unlock()
	return nil
}

type harness struct {
	pipeline *Pipeline
	store    *meta.BoltStore
	clock    *clock.Fake
	events   *recorder
	archive  *memArchive
}

func testBoard(dir string) types.Board {
	return types.Board{
		Dir:                 dir,
		Name:                dir,
		MaxMessageLength:    4000,
		MaxFileSize:         4 << 20,
		ThreadsPerPage:      15,
		BumpLimit:           300,
		MaxRepliesPerThread: 500,
		MaxThreads:          200,
		ThreadPruneDays:     30,
	}
}

func newHarness(t *testing.T, limiter *ratelimit.Limiter, boards ...types.Board) *harness {
	t.Helper()
	f, err := os.CreateTemp("", "agentchan-post-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	store, err := meta.NewBoltStore(f.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	store.SetNoSync(true)
	t.Cleanup(func() { store.Close() })

	if len(boards) == 0 {
		boards = []types.Board{testBoard("tech")}
	}
	if err := store.ProvisionBoards(context.Background(), boards); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		store:   store,
		clock:   clock.NewFake(epoch),
		events:  &recorder{},
		archive: &memArchive{},
	}
	h.pipeline = NewPipeline(PipelineConfig{
		Store:     store,
		Ledger:    quota.NewLedger(quota.Limits{PostsPerHour: 10000, PostsPerDay: 10000, BytesPerDay: 1 << 30}),
		Limiter:   limiter,
		Stamper:   clock.NewStamper(h.clock),
		Publisher: h.events,
		Archiver:  h.archive,
		Logger:    zap.NewNop(),
	})
	return h
}

func (h *harness) submit(t *testing.T, sub Submission) *types.AssignedPost {
	t.Helper()
	if sub.Board == "" {
		sub.Board = "tech"
	}
	if sub.Agent == "" {
		sub.Agent = "agent-1"
	}
	h.clock.Advance(time.Second)
	ap, err := h.pipeline.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("Submit(%q): %v", sub.Message, err)
	}
	return ap
}

func (h *harness) catalog(t *testing.T, dir string) []uint64 {
	t.Helper()
	threads, _, err := h.store.ListThreads(context.Background(), dir, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	out := make([]uint64, len(threads))
	for i, th := range threads {
		out[i] = th.Number
	}
	return out
}

func equalNumbers(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmitThreadAndReply(t *testing.T) {
	h := newHarness(t, nil)

	op := h.submit(t, Submission{Subject: "hello", Message: "first thread"})
	if op.Number != 1 || op.Thread != 1 || op.Bumped {
		t.Fatalf("unexpected root assignment: %+v", op)
	}

	re := h.submit(t, Submission{Parent: op.Number, Message: ">>1 agreed, @Beta take a look"})
	if re.Number != 2 || re.Thread != 1 || !re.Bumped {
		t.Fatalf("unexpected reply assignment: %+v", re)
	}

	snap, err := h.store.GetThread(context.Background(), "tech", 1)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Root.ReplyCount != 1 || !snap.Root.BumpedAt.Equal(re.CreatedAt) {
		t.Errorf("root not bumped: %+v", snap.Root)
	}
	if len(snap.Replies) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(snap.Replies))
	}
	r := snap.Replies[0]
	if len(r.ReplyToAgents) != 1 || r.ReplyToAgents[0] != "beta" {
		t.Errorf("mentions = %v", r.ReplyToAgents)
	}
	if r.MessageHTML == "" || r.ID == 0 || r.BoardID == 0 {
		t.Errorf("derived fields missing: %+v", r)
	}

	if got := len(h.events.ofType(events.NewPost)); got != 2 {
		t.Errorf("new_post events = %d, want 2", got)
	}
	bumps := h.events.ofType(events.ThreadBump)
	if len(bumps) != 1 || bumps[0].Thread != 1 {
		t.Errorf("thread_bump events = %+v", bumps)
	}

	q, err := h.store.GetQuota(context.Background(), "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if q.PostsToday != 2 || q.PostsHour != 2 {
		t.Errorf("quota not charged: %+v", q)
	}
}

func TestSubmitConcurrentNumbersAreDense(t *testing.T) {
	h := newHarness(t, nil)
	const writers = 100

	var wg sync.WaitGroup
	results := make(chan uint64, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ap, err := h.pipeline.Submit(context.Background(), Submission{
				Board:   "tech",
				Agent:   fmt.Sprintf("agent-%d", i%7),
				Message: fmt.Sprintf("concurrent thread %d", i),
			})
			if err != nil {
				errs <- err
				return
			}
			results <- ap.Number
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("submit failed: %v", err)
	}
	var got []uint64
	for n := range results {
		got = append(got, n)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, n := range got {
		if n != uint64(i+1) {
			t.Fatalf("numbers not dense: position %d holds %d", i, n)
		}
	}
}

func TestSageDoesNotBump(t *testing.T) {
	h := newHarness(t, nil)
	a := h.submit(t, Submission{Message: "thread a"})
	b := h.submit(t, Submission{Message: "thread b"})

	if got := h.catalog(t, "tech"); !equalNumbers(got, []uint64{b.Number, a.Number}) {
		t.Fatalf("catalog = %v", got)
	}

	sage := h.submit(t, Submission{Parent: a.Number, Message: "quiet reply", Sage: true})
	if sage.Bumped {
		t.Error("sage reply reported a bump")
	}
	if got := h.catalog(t, "tech"); !equalNumbers(got, []uint64{b.Number, a.Number}) {
		t.Fatalf("sage moved thread: catalog = %v", got)
	}

	h.submit(t, Submission{Parent: a.Number, Message: "loud reply"})
	if got := h.catalog(t, "tech"); !equalNumbers(got, []uint64{a.Number, b.Number}) {
		t.Fatalf("bump did not move thread: catalog = %v", got)
	}

	snap, _ := h.store.GetThread(context.Background(), "tech", a.Number)
	if snap.Root.ReplyCount != 2 {
		t.Errorf("reply count = %d, want 2", snap.Root.ReplyCount)
	}
	if len(h.events.ofType(events.ThreadBump)) != 1 {
		t.Error("sage reply must not emit thread_bump")
	}
}

func TestBumpLimit(t *testing.T) {
	h := newHarness(t, nil)
	op := h.submit(t, Submission{Message: "long thread"})

	var last *types.AssignedPost
	for i := 1; i <= 300; i++ {
		last = h.submit(t, Submission{Parent: op.Number, Message: fmt.Sprintf("reply %d", i)})
		if !last.Bumped {
			t.Fatalf("reply %d should bump", i)
		}
	}
	snap, _ := h.store.GetThread(context.Background(), "tech", op.Number)
	bumpedAt := snap.Root.BumpedAt
	if !bumpedAt.Equal(last.CreatedAt) {
		t.Fatalf("bumped_at = %v, want %v", bumpedAt, last.CreatedAt)
	}

	over := h.submit(t, Submission{Parent: op.Number, Message: "reply 301"})
	if over.Bumped {
		t.Fatal("reply 301 must not bump")
	}
	snap, _ = h.store.GetThread(context.Background(), "tech", op.Number)
	if snap.Root.ReplyCount != 301 {
		t.Errorf("reply count = %d, want 301", snap.Root.ReplyCount)
	}
	if !snap.Root.BumpedAt.Equal(bumpedAt) {
		t.Errorf("bumped_at moved past the bump limit")
	}
}

func TestReplyCapRejectsWithoutConsumingNumber(t *testing.T) {
	b := testBoard("tech")
	b.BumpLimit = 1
	b.MaxRepliesPerThread = 2
	h := newHarness(t, nil, b)

	op := h.submit(t, Submission{Message: "small thread"})
	h.submit(t, Submission{Parent: op.Number, Message: "one"})
	h.submit(t, Submission{Parent: op.Number, Message: "two"})

	_, err := h.pipeline.Submit(context.Background(), Submission{Board: "tech", Agent: "agent-1", Parent: op.Number, Message: "three"})
	if !errors.Is(err, types.ErrThreadCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}

	next := h.submit(t, Submission{Message: "another thread"})
	if next.Number != 4 {
		t.Errorf("rejected reply consumed a number: next = %d", next.Number)
	}
	snap, _ := h.store.GetThread(context.Background(), "tech", op.Number)
	if snap.Root.ReplyCount != 2 {
		t.Errorf("reply count = %d, want 2", snap.Root.ReplyCount)
	}
}

func TestDuplicateScopedPerBoard(t *testing.T) {
	h := newHarness(t, nil, testBoard("tech"), testBoard("b"))
	first := h.submit(t, Submission{Message: "Hello   World"})

	_, err := h.pipeline.Submit(context.Background(), Submission{Board: "tech", Agent: "agent-2", Message: "  hello world "})
	var te *types.Error
	if !errors.As(err, &te) || te.Kind != types.KindDuplicate {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if te.Existing != first.Number {
		t.Errorf("duplicate names post %d, want %d", te.Existing, first.Number)
	}
	if _, err := h.store.GetQuota(context.Background(), "agent-2"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("rejected duplicate charged quota: %v", err)
	}

	other := h.submit(t, Submission{Board: "b", Message: "hello world"})
	if other.Number != 1 {
		t.Errorf("same text on another board should be accepted as /b/1, got %d", other.Number)
	}

	next := h.submit(t, Submission{Message: "something new"})
	if next.Number != 2 {
		t.Errorf("duplicate consumed a number: next = %d", next.Number)
	}
}

func TestQuotaLastSlotRace(t *testing.T) {
	h := newHarness(t, nil)
	err := h.store.Update(context.Background(), func(tx *meta.Tx) error {
		return tx.PutQuota(&types.AgentQuota{
			AgentID:     "greedy",
			PostsToday:  999,
			PostsLimit:  1000,
			HourLimit:   10000,
			BytesLimit:  1 << 30,
			ResetAt:     epoch.Add(12 * time.Hour),
			HourResetAt: epoch.Add(30 * time.Minute),
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	const racers = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, limited int
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.pipeline.Submit(context.Background(), Submission{
				Board:   "tech",
				Agent:   "greedy",
				Message: fmt.Sprintf("last slot %d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			var te *types.Error
			switch {
			case err == nil:
				ok++
			case errors.As(err, &te) && te.Kind == types.KindRateLimited && te.Quota == types.QuotaPostsDay:
				limited++
				if te.RetryAfter <= 0 {
					t.Errorf("rate limit without retry-after: %v", te)
				}
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 1 || limited != racers-1 {
		t.Fatalf("ok=%d limited=%d, want 1 and %d", ok, limited, racers-1)
	}
	q, err := h.store.GetQuota(context.Background(), "greedy")
	if err != nil {
		t.Fatal(err)
	}
	if q.PostsToday != 1000 {
		t.Errorf("posts_today = %d, want 1000", q.PostsToday)
	}
	if got := h.catalog(t, "tech"); len(got) != 1 {
		t.Errorf("expected exactly one stored thread, got %v", got)
	}
}

func TestThreadCapEvictsOldest(t *testing.T) {
	b := testBoard("tech")
	b.MaxThreads = 2
	h := newHarness(t, nil, b)

	t1 := h.submit(t, Submission{Message: "one"})
	t2 := h.submit(t, Submission{Message: "two"})
	h.submit(t, Submission{Parent: t1.Number, Message: "keep one alive"})
	t3 := h.submit(t, Submission{Message: "three"})

	// t1 was bumped after t2 was created, so t2 is the oldest by bump.
	if got := h.catalog(t, "tech"); !equalNumbers(got, []uint64{t3.Number, t1.Number}) {
		t.Fatalf("catalog = %v", got)
	}
	if _, err := h.store.GetThread(context.Background(), "tech", t2.Number); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("evicted thread still readable: %v", err)
	}
	if len(h.archive.snaps) != 1 || h.archive.snaps[0].Root.Number != t2.Number {
		t.Fatalf("archive = %+v", h.archive.snaps)
	}

	stick := true
	if _, err := h.pipeline.SetThreadFlags(context.Background(), "tech", t1.Number, Flags{Stickied: &stick}); err != nil {
		t.Fatal(err)
	}
	t4 := h.submit(t, Submission{Message: "four"})
	if got := h.catalog(t, "tech"); !equalNumbers(got, []uint64{t1.Number, t4.Number}) {
		t.Fatalf("sticky thread evicted: catalog = %v", got)
	}
}

func TestThreadCapAllSticky(t *testing.T) {
	b := testBoard("tech")
	b.MaxThreads = 1
	h := newHarness(t, nil, b)

	t1 := h.submit(t, Submission{Message: "pinned"})
	stick := true
	if _, err := h.pipeline.SetThreadFlags(context.Background(), "tech", t1.Number, Flags{Stickied: &stick}); err != nil {
		t.Fatal(err)
	}
	_, err := h.pipeline.Submit(context.Background(), Submission{Board: "tech", Agent: "agent-1", Message: "no room"})
	if !errors.Is(err, types.ErrThreadCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
}

func TestIPRateLimit(t *testing.T) {
	fake := clock.NewFake(epoch)
	limiter := ratelimit.New(ratelimit.Config{Enabled: true, RPM: 2, Clock: fake}, zap.NewNop())
	h := newHarness(t, limiter)

	for i := 0; i < 2; i++ {
		h.submit(t, Submission{IP: "10.0.0.1", Message: fmt.Sprintf("ip post %d", i)})
	}
	_, err := h.pipeline.Submit(context.Background(), Submission{Board: "tech", Agent: "agent-1", IP: "10.0.0.1", Message: "one too many"})
	var te *types.Error
	if !errors.As(err, &te) || te.Kind != types.KindRateLimited || te.Quota != types.QuotaIP {
		t.Fatalf("expected ip rate limit, got %v", err)
	}
	if te.RetryAfter <= 0 || te.RetryAfter > time.Minute {
		t.Errorf("retry after = %v", te.RetryAfter)
	}

	h.submit(t, Submission{IP: "10.0.0.2", Message: "different ip"})
	fake.Advance(time.Minute)
	h.submit(t, Submission{IP: "10.0.0.1", Message: "next window"})
}

func TestSubmitRejections(t *testing.T) {
	locked := testBoard("locked")
	locked.Locked = true
	h := newHarness(t, nil, testBoard("tech"), locked)
	op := h.submit(t, Submission{Message: "root"})
	re := h.submit(t, Submission{Parent: op.Number, Message: "reply"})

	long := make([]byte, 4001)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{"unknown board", Submission{Board: "nope", Agent: "a", Message: "hi"}, types.ErrNotFound},
		{"locked board", Submission{Board: "locked", Agent: "a", Message: "hi"}, types.ErrThreadLocked},
		{"missing agent", Submission{Board: "tech", Message: "hi"}, types.ErrValidationFailed},
		{"empty message", Submission{Board: "tech", Agent: "a", Message: "   "}, types.ErrValidationFailed},
		{"message too long", Submission{Board: "tech", Agent: "a", Message: string(long)}, types.ErrValidationFailed},
		{"file too large", Submission{Board: "tech", Agent: "a", Message: "pic", File: &types.FileInfo{Size: 5 << 20}}, types.ErrValidationFailed},
		{"bad structured content", Submission{Board: "tech", Agent: "a", Message: "json", StructuredContent: []byte("{")}, types.ErrValidationFailed},
		{"missing thread", Submission{Board: "tech", Agent: "a", Parent: 999, Message: "hi"}, types.ErrNotFound},
		{"reply to reply", Submission{Board: "tech", Agent: "a", Parent: re.Number, Message: "hi"}, types.ErrValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.Submit(context.Background(), tt.sub)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	next := h.submit(t, Submission{Message: "after rejections"})
	if next.Number != 3 {
		t.Errorf("rejections consumed numbers: next = %d", next.Number)
	}
}

func TestNegativeSizesCannotCreditQuota(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.submit(t, Submission{Agent: "agent-1", Message: "normal", File: &types.FileInfo{OriginalName: "a.png", Size: 1 << 20}})

	before, err := h.store.GetQuota(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if before.BytesToday <= 1<<20 {
		t.Fatalf("bytes_today = %d, want more than the file size", before.BytesToday)
	}

	for _, sub := range []Submission{
		{Board: "tech", Agent: "agent-1", Message: "refund", File: &types.FileInfo{OriginalName: "b.png", Size: -(1 << 29)}},
		{Board: "tech", Agent: "agent-1", Message: "refund", ByteSize: -(1 << 29)},
	} {
		if _, err := h.pipeline.Submit(ctx, sub); !errors.Is(err, types.ErrValidationFailed) {
			t.Fatalf("expected validation failure, got %v", err)
		}
	}

	after, err := h.store.GetQuota(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if after.BytesToday != before.BytesToday || after.PostsToday != before.PostsToday {
		t.Errorf("rejected posts changed the quota: before %+v, after %+v", before, after)
	}
	if got := h.catalog(t, "tech"); len(got) != 1 {
		t.Errorf("rejected posts were stored: %v", got)
	}
}

func TestPostLargerThanDailyAllowance(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.pipeline.Submit(context.Background(), Submission{Board: "tech", Agent: "agent-1", Message: "huge", ByteSize: 1<<30 + 1})
	if !errors.Is(err, types.ErrValidationFailed) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestLockedThreadRejectsReplies(t *testing.T) {
	h := newHarness(t, nil)
	op := h.submit(t, Submission{Message: "closing soon"})
	lock := true
	root, err := h.pipeline.SetThreadFlags(context.Background(), "tech", op.Number, Flags{Locked: &lock})
	if err != nil {
		t.Fatal(err)
	}
	if !root.Locked {
		t.Fatal("flag not applied")
	}
	_, err = h.pipeline.Submit(context.Background(), Submission{Board: "tech", Agent: "agent-1", Parent: op.Number, Message: "too late"})
	if !errors.Is(err, types.ErrThreadLocked) {
		t.Fatalf("expected thread locked, got %v", err)
	}
}

func TestSetThreadFlagsOnReply(t *testing.T) {
	h := newHarness(t, nil)
	op := h.submit(t, Submission{Message: "root"})
	re := h.submit(t, Submission{Parent: op.Number, Message: "reply"})
	lock := true
	if _, err := h.pipeline.SetThreadFlags(context.Background(), "tech", re.Number, Flags{Locked: &lock}); !errors.Is(err, types.ErrValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDeleteOwnerOnly(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	op := h.submit(t, Submission{Agent: "owner", Message: "mine"})
	re := h.submit(t, Submission{Agent: "other", Parent: op.Number, Message: "theirs"})

	if err := h.pipeline.Delete(ctx, "tech", op.Number, "other"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("non-owner delete: %v", err)
	}

	if err := h.pipeline.Delete(ctx, "tech", re.Number, "other"); err != nil {
		t.Fatal(err)
	}
	snap, err := h.store.GetThread(ctx, "tech", op.Number)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Root.ReplyCount != 0 || len(snap.Replies) != 0 {
		t.Errorf("reply not removed: %+v", snap)
	}

	if err := h.pipeline.Delete(ctx, "tech", op.Number, "owner"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.store.GetThread(ctx, "tech", op.Number); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("deleted thread still readable: %v", err)
	}

	// The hash is released with the post, and numbers never go back.
	again := h.submit(t, Submission{Agent: "owner", Message: "mine"})
	if again.Number != 3 {
		t.Errorf("repost number = %d, want 3", again.Number)
	}
}

type brokenStore struct{ err error }

func (b brokenStore) Update(context.Context, func(tx *meta.Tx) error) error { return b.err }

func TestModerationStorageErrorsAreInternal(t *testing.T) {
	disk := errors.New("input/output error")
	p := NewPipeline(PipelineConfig{
		Store:  brokenStore{err: disk},
		Ledger: quota.NewLedger(quota.Limits{PostsPerHour: 1, PostsPerDay: 1, BytesPerDay: 1}),
		Logger: zap.NewNop(),
	})
	ctx := context.Background()

	err := p.Delete(ctx, "tech", 1, "agent-1")
	if !errors.Is(err, types.ErrInternal) || !errors.Is(err, disk) {
		t.Fatalf("delete: expected internal error wrapping the cause, got %v", err)
	}
	lock := true
	_, err = p.SetThreadFlags(ctx, "tech", 1, Flags{Locked: &lock})
	if !errors.Is(err, types.ErrInternal) || !errors.Is(err, disk) {
		t.Fatalf("flags: expected internal error wrapping the cause, got %v", err)
	}

	p = NewPipeline(PipelineConfig{
		Store:  brokenStore{err: types.NotFound("post /tech/1 not found")},
		Ledger: quota.NewLedger(quota.Limits{}),
		Logger: zap.NewNop(),
	})
	if err := p.Delete(ctx, "tech", 1, "agent-1"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("typed errors must pass through, got %v", err)
	}
}

func TestPublishFailureDoesNotFailPost(t *testing.T) {
	h := newHarness(t, nil)
	h.events.err = errors.New("nats down")
	ap := h.submit(t, Submission{Message: "still stored"})
	if _, err := h.store.GetPost(context.Background(), "tech", ap.Number); err != nil {
		t.Fatalf("post missing after publish failure: %v", err)
	}
}

func TestSubmitCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.pipeline.Submit(ctx, Submission{Board: "tech", Agent: "a", Message: "never"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := h.catalog(t, "tech"); len(got) != 0 {
		t.Errorf("cancelled submit stored a post: %v", got)
	}
}
