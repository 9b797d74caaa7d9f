package meta

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gftdcojp/agentchan/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltStore is the durable home of boards, posts, counters and quotas.
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// SetNoSync skips fsync on commit. Only for tests and throwaway deployments.
func (s *BoltStore) SetNoSync(noSync bool) {
	s.db.NoSync = noSync
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketPostIDs, bucketBoards, bucketQuotas} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

// Update runs fn in a read-write transaction. Concurrent callers are
// coalesced into shared commits; fn may therefore run more than once and
// must not leak state from an earlier attempt.
func (s *BoltStore) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Batch(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// View runs fn in a read-only transaction.
func (s *BoltStore) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// ProvisionBoards creates missing boards and refreshes the configuration
// of existing ones. Ids and counters of existing boards are preserved, so
// running it on every start is safe.
func (s *BoltStore) ProvisionBoards(_ context.Context, boards []types.Board) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketBoards)
		for i := range boards {
			b := boards[i]
			bb, err := root.CreateBucketIfNotExists(boardBucketName(b.Dir))
			if err != nil {
				return err
			}
			for _, name := range [][]byte{subBucketPosts, subBucketReplies, subBucketBumpIndex, subBucketHashes} {
				if _, err := bb.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}

			if raw := bb.Get(keyBoard); raw != nil {
				var existing types.Board
				if err := decode(raw, &existing); err != nil {
					return fmt.Errorf("decoding board %s: %w", b.Dir, err)
				}
				b.ID = existing.ID
			} else {
				id, err := root.NextSequence()
				if err != nil {
					return err
				}
				b.ID = uint32(id)
				s.logger.Info("provisioned board", zap.String("board", b.Dir), zap.Uint32("id", b.ID))
			}

			data, err := encode(&b)
			if err != nil {
				return err
			}
			if err := bb.Put(keyBoard, data); err != nil {
				return err
			}
			if bb.Get(keyNextNumber) == nil {
				if err := bb.Put(keyNextNumber, uint64ToBytes(1)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListBoards returns every board with its live stats, ordered by dir.
func (s *BoltStore) ListBoards(_ context.Context) ([]types.BoardStats, error) {
	var out []types.BoardStats
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket(bucketBoards)
		return root.ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			bb := root.Bucket(k)
			raw := bb.Get(keyBoard)
			if raw == nil {
				return nil
			}
			var b types.Board
			if err := decode(raw, &b); err != nil {
				return fmt.Errorf("decoding board %s: %w", k, err)
			}
			out = append(out, types.BoardStats{
				Board:       b,
				ThreadCount: int(getCount(bb, keyThreadCount)),
				PostCount:   getCount(bb, keyPostCount),
				LastPostAt:  lastPostAt(bb),
			})
			return nil
		})
	})
	return out, err
}

// GetBoard returns a single board.
func (s *BoltStore) GetBoard(ctx context.Context, dir string) (*types.Board, error) {
	var b *types.Board
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		b, err = tx.Board(dir)
		return err
	})
	return b, err
}

// GetPost returns post number n on the board.
func (s *BoltStore) GetPost(ctx context.Context, dir string, n uint64) (*types.Post, error) {
	var p *types.Post
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		p, err = tx.Post(dir, n)
		return err
	})
	return p, err
}

// GetThread returns a thread root and its replies.
func (s *BoltStore) GetThread(ctx context.Context, dir string, n uint64) (*types.ThreadSnapshot, error) {
	var snap *types.ThreadSnapshot
	err := s.View(ctx, func(tx *Tx) error {
		root, err := tx.Post(dir, n)
		if err != nil {
			return err
		}
		if !root.IsRoot() {
			return types.NotFound("thread /%s/%d not found", dir, n)
		}
		reps, err := tx.Replies(dir, n)
		if err != nil {
			return err
		}
		snap = &types.ThreadSnapshot{Board: dir, Root: *root, Replies: reps}
		return nil
	})
	return snap, err
}

// ListThreads returns a page of the board catalog: stickied threads first,
// then by bumped_at descending, then by number descending. total is the
// number of live threads.
func (s *BoltStore) ListThreads(ctx context.Context, dir string, offset, limit int) (threads []types.Post, total int, err error) {
	err = s.View(ctx, func(tx *Tx) error {
		all, err := tx.ThreadsByBump(dir)
		if err != nil {
			return err
		}
		// Stable partition keeps bump order within each group.
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].Stickied && !all[j].Stickied
		})
		total = len(all)
		if offset >= total {
			threads = nil
			return nil
		}
		end := total
		if limit > 0 && offset+limit < end {
			end = offset + limit
		}
		threads = all[offset:end]
		return nil
	})
	return threads, total, err
}

// Search returns posts whose subject or message contains query
// (case-insensitive), newest first. An empty board searches all boards.
func (s *BoltStore) Search(ctx context.Context, query, board string, limit int) ([]types.Post, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, types.Validation("search query must not be empty")
	}
	var out []types.Post
	err := s.View(ctx, func(tx *Tx) error {
		dirs := []string{board}
		if board == "" {
			var err error
			if dirs, err = tx.Boards(); err != nil {
				return err
			}
		}
		for _, dir := range dirs {
			bb, err := tx.boardBucket(dir)
			if err != nil {
				return err
			}
			err = bb.Bucket(subBucketPosts).ForEach(func(k, v []byte) error {
				var p types.Post
				if err := decode(v, &p); err != nil {
					return fmt.Errorf("decoding post /%s/%d: %w", dir, bytesToUint64(k), err)
				}
				if strings.Contains(strings.ToLower(p.Message), needle) ||
					strings.Contains(strings.ToLower(p.Subject), needle) {
					out = append(out, p)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetQuota returns the agent's quota row.
func (s *BoltStore) GetQuota(ctx context.Context, agentID string) (*types.AgentQuota, error) {
	var q *types.AgentQuota
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		q, err = tx.Quota(agentID)
		if err != nil {
			return err
		}
		if q == nil {
			return types.NotFound("no quota recorded for agent %s", agentID)
		}
		return nil
	})
	return q, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketBoards) == nil {
			return fmt.Errorf("boards bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
