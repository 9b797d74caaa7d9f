package internal_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/gftdcojp/agentchan/internal/post"
	"github.com/gftdcojp/agentchan/internal/prune"
	"github.com/gftdcojp/agentchan/internal/quota"
	"github.com/gftdcojp/agentchan/internal/types"
	"go.uber.org/zap"
)

// TestStress_ConcurrentBoards posts from many goroutines across several
// boards and checks every board's numbers are dense and unique.
func TestStress_ConcurrentBoards(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	boards := []string{"a", "b", "c"}
	store := openStore(t, filepath.Join(t.TempDir(), "stress.db"),
		testBoard("a", 1000), testBoard("b", 1000), testBoard("c", 1000))
	defer store.Close()

	p := post.NewPipeline(post.PipelineConfig{
		Store:  store,
		Ledger: quota.NewLedger(quota.Limits{PostsPerHour: 1 << 20, PostsPerDay: 1 << 20, BytesPerDay: 1 << 40}),
		Logger: zap.NewNop(),
	})

	const workers, perWorker = 24, 25
	var mu sync.Mutex
	numbers := make(map[string][]uint64)
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			board := boards[w%len(boards)]
			for i := 0; i < perWorker; i++ {
				ap, err := p.Submit(context.Background(), post.Submission{
					Board:   board,
					Agent:   fmt.Sprintf("agent-%d", w),
					Message: fmt.Sprintf("worker %d message %d", w, i),
				})
				if err != nil {
					errs <- err
					continue
				}
				mu.Lock()
				numbers[board] = append(numbers[board], ap.Number)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit failed: %v", err)
	}

	perBoard := workers / len(boards) * perWorker
	for _, b := range boards {
		got := numbers[b]
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		if len(got) != perBoard {
			t.Fatalf("/%s/: %d posts, want %d", b, len(got), perBoard)
		}
		for i, n := range got {
			if n != uint64(i+1) {
				t.Fatalf("/%s/: number %d at position %d, want dense 1..%d", b, n, i, perBoard)
			}
		}
	}
}

// TestStress_PruneWhilePosting runs sweeps concurrently with replies and
// new threads on a small board and checks the cap holds afterwards.
func TestStress_PruneWhilePosting(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	store := openStore(t, filepath.Join(t.TempDir(), "stress.db"), testBoard("tech", 10))
	defer store.Close()

	ledger := quota.NewLedger(quota.Limits{PostsPerHour: 1 << 20, PostsPerDay: 1 << 20, BytesPerDay: 1 << 40})
	p := post.NewPipeline(post.PipelineConfig{Store: store, Ledger: ledger, Logger: zap.NewNop()})
	sweeper := prune.NewSweeper(prune.SweeperConfig{Store: store, Ledger: ledger})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if _, err := sweeper.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.Errorf("sweep: %v", err)
				return
			}
		}
	}()

	var posters sync.WaitGroup
	for w := 0; w < 8; w++ {
		posters.Add(1)
		go func(w int) {
			defer posters.Done()
			for i := 0; i < 30; i++ {
				sub := post.Submission{Board: "tech", Agent: fmt.Sprintf("agent-%d", w), Message: fmt.Sprintf("w%d-%d", w, i)}
				if i%3 != 0 {
					// Reply to whatever thread is newest; it may be evicted meanwhile.
					threads, _, err := store.ListThreads(ctx, "tech", 0, 1)
					if err == nil && len(threads) > 0 {
						sub.Parent = threads[0].Number
					}
				}
				_, err := p.Submit(ctx, sub)
				if err != nil && !errors.Is(err, types.ErrNotFound) {
					t.Errorf("submit: %v", err)
				}
			}
		}(w)
	}
	posters.Wait()
	cancel()
	wg.Wait()

	stats, err := store.ListBoards(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats[0].ThreadCount > 10 {
		t.Fatalf("thread count %d exceeds cap 10", stats[0].ThreadCount)
	}
	threads, total, err := store.ListThreads(context.Background(), "tech", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != len(threads) || total != stats[0].ThreadCount {
		t.Fatalf("index disagrees with counter: listed %d, total %d, counter %d", len(threads), total, stats[0].ThreadCount)
	}
}
