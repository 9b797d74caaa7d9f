// Package prune removes threads beyond a board's cap and threads idle past
// the board's retention window, and resets expired agent quotas.
package prune

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/agentchan/internal/clock"
	"github.com/gftdcojp/agentchan/internal/meta"
	"github.com/gftdcojp/agentchan/internal/metrics"
	"github.com/gftdcojp/agentchan/internal/quota"
	"github.com/gftdcojp/agentchan/internal/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Store runs transactions against the metadata store.
type Store interface {
	Update(ctx context.Context, fn func(tx *meta.Tx) error) error
	View(ctx context.Context, fn func(tx *meta.Tx) error) error
}

// Archiver receives every thread the sweeper deletes.
type Archiver interface {
	Archive(ctx context.Context, snap *types.ThreadSnapshot) error
}

const (
	reasonExcess = "excess"
	reasonAge    = "age"
)

// SweeperConfig holds dependencies for the sweeper. Archiver and Ledger
// may be nil.
type SweeperConfig struct {
	Store                Store
	Ledger               *quota.Ledger
	Archiver             Archiver
	Clock                clock.Clock
	MaxDeletionsPerCycle int
	DeletionsPerSecond   float64
	Logger               *zap.Logger
}

// Result summarizes one sweep.
type Result struct {
	Excess       int  `json:"excess"`
	Expired      int  `json:"expired"`
	QuotaResets  int  `json:"quota_resets"`
	FailedBoards int  `json:"failed_boards"`
	Capped       bool `json:"capped"`
}

// Deleted returns the number of threads removed.
func (r Result) Deleted() int { return r.Excess + r.Expired }

// Sweeper enforces thread caps and retention on every board.
type Sweeper struct {
	store    Store
	ledger   *quota.Ledger
	archiver Archiver
	clock    clock.Clock
	pace     *rate.Limiter
	maxPer   int
	logger   *zap.Logger
}

// NewSweeper creates a sweeper. A non-positive DeletionsPerSecond disables
// pacing; a non-positive MaxDeletionsPerCycle disables the cycle cap.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	c := cfg.Clock
	if c == nil {
		c = clock.Real()
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.DeletionsPerSecond > 0 {
		burst := int(cfg.DeletionsPerSecond)
		if burst < 1 {
			burst = 1
		}
		pace = rate.NewLimiter(rate.Limit(cfg.DeletionsPerSecond), burst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		archiver: cfg.Archiver,
		clock:    c,
		pace:     pace,
		maxPer:   cfg.MaxDeletionsPerCycle,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("prune cycle error", zap.Error(err))
			}
		}
	}
}

// budget counts deletions left in the current cycle.
type budget struct {
	left      int
	unlimited bool
	exhausted bool
}

func (b *budget) take() bool {
	if b.unlimited {
		return true
	}
	if b.left <= 0 {
		b.exhausted = true
		return false
	}
	b.left--
	return true
}

func (b *budget) refund() {
	if !b.unlimited {
		b.left++
	}
}

// Sweep runs one cycle across all boards. A board that fails is logged and
// skipped; the error returned only reports failures outside any board.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.PruneCycleDuration.Observe(time.Since(start).Seconds())
	}()

	var res Result
	var boards []types.Board
	err := s.store.View(ctx, func(tx *meta.Tx) error {
		dirs, err := tx.Boards()
		if err != nil {
			return err
		}
		boards = boards[:0]
		for _, dir := range dirs {
			b, err := tx.Board(dir)
			if err != nil {
				return err
			}
			boards = append(boards, *b)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("listing boards: %w", err)
	}

	bud := &budget{left: s.maxPer, unlimited: s.maxPer <= 0}
	for i := range boards {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		board := &boards[i]
		excess, expired, err := s.sweepBoard(ctx, board, bud)
		res.Excess += excess
		res.Expired += expired
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return res, err
			}
			res.FailedBoards++
			metrics.PruneErrors.WithLabelValues(board.Dir).Inc()
			s.logger.Error("pruning board failed", zap.String("board", board.Dir), zap.Error(err))
		}
	}
	res.Capped = bud.exhausted

	if s.ledger != nil {
		n, err := s.resetQuotas(ctx)
		if err != nil {
			return res, fmt.Errorf("resetting quotas: %w", err)
		}
		res.QuotaResets = n
	}

	if res.Deleted() > 0 || res.QuotaResets > 0 {
		s.logger.Info("prune cycle complete",
			zap.Int("excess", res.Excess),
			zap.Int("expired", res.Expired),
			zap.Int("quota_resets", res.QuotaResets),
			zap.Bool("capped", res.Capped),
			zap.Duration("took", time.Since(start)),
		)
	}
	return res, nil
}

func (s *Sweeper) sweepBoard(ctx context.Context, board *types.Board, bud *budget) (excess, expired int, err error) {
	logger := s.logger.With(zap.String("board", board.Dir))
	defer func() {
		s.recordThreadCount(ctx, board.Dir)
	}()

	if board.MaxThreads > 0 {
		for {
			if !bud.take() {
				return excess, expired, nil
			}
			snap, err := s.evictExcess(ctx, board)
			if err != nil {
				return excess, expired, err
			}
			if snap == nil {
				bud.refund()
				break
			}
			excess++
			s.finish(ctx, snap, reasonExcess, logger)
			if err := s.pace.Wait(ctx); err != nil {
				return excess, expired, err
			}
		}
	}

	if board.ThreadPruneDays <= 0 {
		return excess, expired, nil
	}
	cutoff := s.clock.Now().Add(-time.Duration(board.ThreadPruneDays) * 24 * time.Hour)
	candidates, err := s.expiredCandidates(ctx, board.Dir, cutoff)
	if err != nil {
		return excess, expired, err
	}
	for _, n := range candidates {
		if !bud.take() {
			return excess, expired, nil
		}
		snap, err := s.deleteIfExpired(ctx, board.Dir, n, cutoff)
		if err != nil {
			return excess, expired, err
		}
		if snap == nil {
			bud.refund()
			continue
		}
		expired++
		s.finish(ctx, snap, reasonAge, logger)
		if err := s.pace.Wait(ctx); err != nil {
			return excess, expired, err
		}
	}
	return excess, expired, nil
}

// evictExcess deletes the oldest non-sticky thread if the board holds more
// than its cap. It returns nil when nothing needed deleting.
func (s *Sweeper) evictExcess(ctx context.Context, board *types.Board) (*types.ThreadSnapshot, error) {
	var snap *types.ThreadSnapshot
	err := s.store.Update(ctx, func(tx *meta.Tx) error {
		snap = nil
		count, err := tx.ThreadCount(board.Dir)
		if err != nil {
			return err
		}
		if count <= board.MaxThreads {
			return nil
		}
		victim, err := tx.OldestEvictable(board.Dir)
		if err != nil || victim == nil {
			return err
		}
		snap, err = tx.DeleteThread(board.Dir, victim.Number)
		return err
	})
	return snap, err
}

// expiredCandidates lists non-sticky thread roots bumped before cutoff.
func (s *Sweeper) expiredCandidates(ctx context.Context, dir string, cutoff time.Time) ([]uint64, error) {
	var out []uint64
	err := s.store.View(ctx, func(tx *meta.Tx) error {
		threads, err := tx.ThreadsByBump(dir)
		if err != nil {
			return err
		}
		out = out[:0]
		// Oldest first, so a capped cycle removes the stalest threads.
		for i := len(threads) - 1; i >= 0; i-- {
			th := &threads[i]
			if !th.BumpedAt.Before(cutoff) {
				break
			}
			if !th.Stickied {
				out = append(out, th.Number)
			}
		}
		return nil
	})
	return out, err
}

// deleteIfExpired deletes thread n only if it is still non-sticky and
// still idle past cutoff. A thread bumped or removed since it was listed
// is left alone and nil is returned.
func (s *Sweeper) deleteIfExpired(ctx context.Context, dir string, n uint64, cutoff time.Time) (*types.ThreadSnapshot, error) {
	var snap *types.ThreadSnapshot
	err := s.store.Update(ctx, func(tx *meta.Tx) error {
		snap = nil
		root, err := tx.Post(dir, n)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !root.IsRoot() || root.Stickied || !root.BumpedAt.Before(cutoff) {
			return nil
		}
		snap, err = tx.DeleteThread(dir, n)
		return err
	})
	return snap, err
}

func (s *Sweeper) finish(ctx context.Context, snap *types.ThreadSnapshot, reason string, logger *zap.Logger) {
	metrics.ThreadsPruned.WithLabelValues(snap.Board, reason).Inc()
	logger.Info("pruned thread",
		zap.Uint64("thread", snap.Root.Number),
		zap.String("reason", reason),
		zap.Time("bumped_at", snap.Root.BumpedAt),
		zap.Int("replies", len(snap.Replies)),
	)
	if s.archiver == nil {
		return
	}
	start := time.Now()
	if err := s.archiver.Archive(ctx, snap); err != nil {
		metrics.ArchiveUploads.WithLabelValues(snap.Board, "error").Inc()
		logger.Warn("archiving pruned thread failed", zap.Uint64("thread", snap.Root.Number), zap.Error(err))
		return
	}
	metrics.ArchiveUploads.WithLabelValues(snap.Board, "ok").Inc()
	metrics.ArchiveUploadDuration.Observe(time.Since(start).Seconds())
}

func (s *Sweeper) recordThreadCount(ctx context.Context, dir string) {
	var count int
	err := s.store.View(ctx, func(tx *meta.Tx) error {
		var err error
		count, err = tx.ThreadCount(dir)
		return err
	})
	if err == nil {
		metrics.BoardThreads.WithLabelValues(dir).Set(float64(count))
	}
}

func (s *Sweeper) resetQuotas(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var n int
	err := s.store.Update(ctx, func(tx *meta.Tx) error {
		var err error
		n, err = s.ledger.ResetExpired(tx, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.QuotaResets.Add(float64(n))
	}
	return n, nil
}
