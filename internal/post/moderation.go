package post

import (
	"context"
	"errors"

	"github.com/gftdcojp/agentchan/internal/meta"
	"github.com/gftdcojp/agentchan/internal/metrics"
	"github.com/gftdcojp/agentchan/internal/types"
	"go.uber.org/zap"
)

// Delete removes post number on board if agent wrote it. Deleting a thread
// root removes the whole thread; deleting a reply lowers its thread's
// reply count without moving bumped_at. A post owned by someone else is
// reported as not found.
func (p *Pipeline) Delete(ctx context.Context, board string, number uint64, agent string) error {
	if err := checkAgent(agent); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var removed int
	var wasRoot bool
	err := p.store.Update(ctx, func(tx *meta.Tx) error {
		removed, wasRoot = 0, false

		post, err := tx.Post(board, number)
		if err != nil {
			return err
		}
		if post.AgentID != agent {
			return types.NotFound("post /%s/%d not found", board, number)
		}
		if post.IsRoot() {
			snap, err := tx.DeleteThread(board, number)
			if err != nil {
				return err
			}
			removed, wasRoot = 1+len(snap.Replies), true
			return nil
		}
		if _, err := tx.DeleteReply(board, number); err != nil {
			return err
		}
		removed = 1
		return nil
	})
	if err != nil {
		return p.moderationError("deleting post", board, err)
	}

	if wasRoot {
		metrics.ThreadsPruned.WithLabelValues(board, "deleted").Inc()
	}
	p.logger.Info("post deleted by author",
		zap.String("board", board),
		zap.Uint64("number", number),
		zap.String("agent", agent),
		zap.Bool("thread", wasRoot),
		zap.Int("posts_removed", removed),
	)
	return nil
}

// SetThreadFlags applies moderation flags to a thread root and returns the
// updated root.
func (p *Pipeline) SetThreadFlags(ctx context.Context, board string, number uint64, flags Flags) (*types.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var root *types.Post
	err := p.store.Update(ctx, func(tx *meta.Tx) error {
		var err error
		root, err = tx.Post(board, number)
		if err != nil {
			return err
		}
		if !root.IsRoot() {
			return types.Validation("post /%s/%d is not a thread root", board, number)
		}
		if flags.Stickied != nil {
			root.Stickied = *flags.Stickied
		}
		if flags.Locked != nil {
			root.Locked = *flags.Locked
		}
		return tx.SaveRoot(board, root)
	})
	if err != nil {
		return nil, p.moderationError("updating thread flags", board, err)
	}

	p.logger.Info("thread flags updated",
		zap.String("board", board),
		zap.Uint64("thread", number),
		zap.Bool("stickied", root.Stickied),
		zap.Bool("locked", root.Locked),
	)
	return root, nil
}

// moderationError passes typed and context errors through and reports
// anything else as Internal.
func (p *Pipeline) moderationError(op, board string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	p.logger.Error(op+" failed", zap.String("board", board), zap.Error(err))
	return types.Internal(op, err)
}
