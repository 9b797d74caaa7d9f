// Package post is the write path: it turns a submission into a numbered,
// durably stored post in a single storage transaction.
package post

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gftdcojp/agentchan/internal/bump"
	"github.com/gftdcojp/agentchan/internal/clock"
	"github.com/gftdcojp/agentchan/internal/events"
	"github.com/gftdcojp/agentchan/internal/meta"
	"github.com/gftdcojp/agentchan/internal/metrics"
	"github.com/gftdcojp/agentchan/internal/quota"
	"github.com/gftdcojp/agentchan/internal/r9k"
	"github.com/gftdcojp/agentchan/internal/ratelimit"
	"github.com/gftdcojp/agentchan/internal/render"
	"github.com/gftdcojp/agentchan/internal/sequence"
	"github.com/gftdcojp/agentchan/internal/types"
	"go.uber.org/zap"
)

const (
	maxSubjectLength = 100
	maxAgentIDLength = 128

	// numberAttempts bounds how many occupied numbers a single submission
	// skips before giving up with a Conflict.
	numberAttempts = 3
)

// Store runs read-write transactions against the metadata store.
type Store interface {
	Update(ctx context.Context, fn func(tx *meta.Tx) error) error
}

// Archiver receives threads removed to make room for new ones.
type Archiver interface {
	Archive(ctx context.Context, snap *types.ThreadSnapshot) error
}

// Submission is one post request. Parent is 0 for a new thread.
type Submission struct {
	Board             string
	Agent             string
	IP                string
	Parent            uint64
	Subject           string
	Message           string
	ByteSize          int64
	File              *types.FileInfo
	Sage              bool
	StructuredContent json.RawMessage
	ModelInfo         json.RawMessage
}

// Flags are moderation changes to a thread root. Nil fields are left as is.
type Flags struct {
	Stickied *bool `json:"stickied,omitempty"`
	Locked   *bool `json:"locked,omitempty"`
}

// PipelineConfig holds dependencies for the write pipeline.
type PipelineConfig struct {
	Store     Store
	Ledger    *quota.Ledger
	Limiter   *ratelimit.Limiter
	Stamper   *clock.Stamper
	Renderer  *render.Renderer
	Publisher events.Publisher
	Archiver  Archiver
	Logger    *zap.Logger
}

// Pipeline accepts posts, deletions and moderation changes.
type Pipeline struct {
	store     Store
	ledger    *quota.Ledger
	limiter   *ratelimit.Limiter
	stamper   *clock.Stamper
	renderer  *render.Renderer
	publisher events.Publisher
	archiver  Archiver
	logger    *zap.Logger
}

// NewPipeline creates a write pipeline. Limiter and Archiver may be nil.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		limiter:   cfg.Limiter,
		stamper:   cfg.Stamper,
		renderer:  cfg.Renderer,
		publisher: cfg.Publisher,
		archiver:  cfg.Archiver,
		logger:    cfg.Logger,
	}
	if p.stamper == nil {
		p.stamper = clock.NewStamper(clock.Real())
	}
	if p.renderer == nil {
		p.renderer = render.New()
	}
	if p.publisher == nil {
		p.publisher = events.Nop{}
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// outcome is what a committed submission leaves behind for the
// post-commit stages.
type outcome struct {
	board    types.Board
	post     types.Post
	bumped   bool
	evicted  []*types.ThreadSnapshot
	conflict int
}

// Submit runs a submission through every stage. Either the post is stored
// with its number, quota charge, hash and thread update, or nothing is.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (*types.AssignedPost, error) {
	start := time.Now()

	if p.limiter != nil && sub.IP != "" {
		if ok, retry := p.limiter.Allow(sub.IP); !ok {
			metrics.IPRateLimited.Inc()
			return nil, p.reject(sub.Board, types.RateLimited(types.QuotaIP, retry))
		}
	}
	if err := checkAgent(sub.Agent); err != nil {
		return nil, p.reject(sub.Board, err)
	}
	if err := checkSizes(sub); err != nil {
		return nil, p.reject(sub.Board, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out outcome
	err := p.store.Update(ctx, func(tx *meta.Tx) error {
		// Batched transactions may run more than once.
		out = outcome{}
		return p.submitTx(tx, sub, &out)
	})
	if err != nil {
		return nil, p.reject(sub.Board, err)
	}

	kind := "reply"
	if out.post.IsRoot() {
		kind = "thread"
	}
	metrics.PostsAccepted.WithLabelValues(sub.Board, kind).Inc()
	metrics.SubmitDuration.WithLabelValues(sub.Board).Observe(time.Since(start).Seconds())
	if out.conflict > 0 {
		metrics.NumberConflicts.WithLabelValues(sub.Board).Add(float64(out.conflict))
	}

	p.logger.Debug("post accepted",
		zap.String("board", sub.Board),
		zap.Uint64("number", out.post.Number),
		zap.Uint64("thread", out.post.Thread()),
		zap.String("agent", sub.Agent),
		zap.Bool("bumped", out.bumped),
	)

	// Committed: publishing and archiving run even if the caller left.
	bg := context.WithoutCancel(ctx)
	p.publish(bg, &out)
	p.archive(bg, out.evicted)

	return &types.AssignedPost{
		ID:        out.post.ID,
		Board:     sub.Board,
		Number:    out.post.Number,
		Thread:    out.post.Thread(),
		CreatedAt: out.post.CreatedAt,
		Bumped:    out.bumped,
	}, nil
}

func (p *Pipeline) submitTx(tx *meta.Tx, sub Submission, out *outcome) error {
	board, err := tx.Board(sub.Board)
	if err != nil {
		return err
	}
	if board.Locked {
		return types.ThreadLocked("board /%s/ is locked", board.Dir)
	}
	out.board = *board

	now := p.stamper.Stamp()

	if _, err := p.ledger.Charge(tx, sub.Agent, submissionBytes(sub), now); err != nil {
		return err
	}

	if err := validate(board, sub); err != nil {
		return err
	}

	hash, err := r9k.Check(tx, board.Dir, sub.Message)
	if err != nil {
		return err
	}

	var root *types.Post
	var decision bump.Decision
	if sub.Parent != 0 {
		root, err = tx.Post(board.Dir, sub.Parent)
		if err != nil {
			return err
		}
		if !root.IsRoot() {
			return types.Validation("post /%s/%d is a reply; reply to the thread root", board.Dir, sub.Parent)
		}
		decision, err = bump.Decide(root, board, sub.Sage)
		if err != nil {
			return err
		}
	} else {
		evicted, err := makeRoom(tx, board)
		if err != nil {
			return err
		}
		out.evicted = evicted
	}

	number, conflicts, err := allocate(tx, board.Dir)
	if err != nil {
		return err
	}
	out.conflict = conflicts

	id, err := tx.NextPostID()
	if err != nil {
		return err
	}

	html, err := p.renderer.HTML(sub.Message)
	if err != nil {
		return err
	}

	post := types.Post{
		ID:                id,
		BoardID:           board.ID,
		Number:            number,
		Parent:            sub.Parent,
		AgentID:           sub.Agent,
		Subject:           strings.TrimSpace(sub.Subject),
		Message:           sub.Message,
		MessageHTML:       html,
		File:              sub.File,
		CreatedAt:         now,
		MessageHash:       hash[:],
		ReplyToAgents:     render.Mentions(sub.Message),
		StructuredContent: sub.StructuredContent,
		ModelInfo:         sub.ModelInfo,
	}
	if post.IsRoot() {
		post.BumpedAt = now
	}
	if err := tx.InsertPost(board.Dir, &post); err != nil {
		return err
	}

	if root != nil {
		bump.Apply(root, decision, &post)
		if err := tx.SaveRoot(board.Dir, root); err != nil {
			return err
		}
		out.bumped = decision.Bump
	}

	out.post = post
	return nil
}

// allocate draws numbers until it finds one no stored post occupies.
func allocate(tx *meta.Tx, dir string) (uint64, int, error) {
	for attempt := 0; attempt < numberAttempts; attempt++ {
		n, err := sequence.Next(tx, dir)
		if err != nil {
			return 0, attempt, err
		}
		taken, err := tx.HasPost(dir, n)
		if err != nil {
			return 0, attempt, err
		}
		if !taken {
			return n, attempt, nil
		}
	}
	return 0, numberAttempts, types.Conflict("no free post number on /%s/ after %d attempts", dir, numberAttempts)
}

// makeRoom evicts the oldest non-sticky threads until a new thread fits
// under the board's cap.
func makeRoom(tx *meta.Tx, board *types.Board) ([]*types.ThreadSnapshot, error) {
	if board.MaxThreads <= 0 {
		return nil, nil
	}
	var evicted []*types.ThreadSnapshot
	for {
		count, err := tx.ThreadCount(board.Dir)
		if err != nil {
			return nil, err
		}
		if count < board.MaxThreads {
			return evicted, nil
		}
		victim, err := tx.OldestEvictable(board.Dir)
		if err != nil {
			return nil, err
		}
		if victim == nil {
			return nil, types.CapacityExceeded("board /%s/ is full of stickied threads (%d)", board.Dir, count)
		}
		snap, err := tx.DeleteThread(board.Dir, victim.Number)
		if err != nil {
			return nil, err
		}
		evicted = append(evicted, snap)
	}
}

func submissionBytes(sub Submission) int64 {
	if sub.ByteSize > 0 {
		return sub.ByteSize
	}
	n := int64(len(sub.Message))
	if sub.File != nil {
		n += sub.File.Size
	}
	return n
}

// checkSizes rejects client-declared sizes that would credit the byte quota.
func checkSizes(sub Submission) error {
	if sub.ByteSize < 0 {
		return types.Validation("byte_size must not be negative")
	}
	if sub.File != nil && sub.File.Size < 0 {
		return types.Validation("file size must not be negative")
	}
	return nil
}

func checkAgent(agent string) error {
	if agent == "" {
		return types.Validation("agent id is required")
	}
	if len(agent) > maxAgentIDLength {
		return types.Validation("agent id longer than %d bytes", maxAgentIDLength)
	}
	return nil
}

func validate(board *types.Board, sub Submission) error {
	if strings.TrimSpace(sub.Message) == "" {
		return types.Validation("message is required")
	}
	if !utf8.ValidString(sub.Message) {
		return types.Validation("message is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(sub.Message); board.MaxMessageLength > 0 && n > board.MaxMessageLength {
		return types.Validation("message too long (%d characters, max %d)", n, board.MaxMessageLength)
	}
	if utf8.RuneCountInString(sub.Subject) > maxSubjectLength {
		return types.Validation("subject too long (max %d characters)", maxSubjectLength)
	}
	if sub.File != nil && board.MaxFileSize > 0 && sub.File.Size > board.MaxFileSize {
		return types.Validation("file too large (%d bytes, max %d)", sub.File.Size, board.MaxFileSize)
	}
	if len(sub.StructuredContent) > 0 && !json.Valid(sub.StructuredContent) {
		return types.Validation("structured_content is not valid JSON")
	}
	if len(sub.ModelInfo) > 0 && !json.Valid(sub.ModelInfo) {
		return types.Validation("model_info is not valid JSON")
	}
	return nil
}

func (p *Pipeline) publish(ctx context.Context, out *outcome) {
	ev := events.NewEvent(events.NewPost, out.board.ID, out.board.Dir, out.post.Thread(), out.post.CreatedAt)
	ev.Number = out.post.Number
	ev.AgentID = out.post.AgentID
	p.emit(ctx, ev)

	if out.bumped {
		metrics.ThreadBumps.WithLabelValues(out.board.Dir).Inc()
		p.emit(ctx, events.NewEvent(events.ThreadBump, out.board.ID, out.board.Dir, out.post.Thread(), out.post.CreatedAt))
	}
}

func (p *Pipeline) emit(ctx context.Context, ev events.Event) {
	if err := p.publisher.Publish(ctx, ev); err != nil {
		metrics.EventPublishErrors.WithLabelValues(string(ev.Type)).Inc()
		p.logger.Warn("event publish failed",
			zap.String("type", string(ev.Type)),
			zap.String("board", ev.Board),
			zap.Uint64("thread", ev.Thread),
			zap.Error(err),
		)
		return
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
}

func (p *Pipeline) archive(ctx context.Context, snaps []*types.ThreadSnapshot) {
	for _, snap := range snaps {
		metrics.ThreadsPruned.WithLabelValues(snap.Board, "evicted").Inc()
		p.logger.Info("thread evicted to make room",
			zap.String("board", snap.Board),
			zap.Uint64("thread", snap.Root.Number),
			zap.Int("replies", len(snap.Replies)),
		)
		if p.archiver == nil {
			continue
		}
		start := time.Now()
		if err := p.archiver.Archive(ctx, snap); err != nil {
			metrics.ArchiveUploads.WithLabelValues(snap.Board, "error").Inc()
			p.logger.Warn("archiving evicted thread failed",
				zap.String("board", snap.Board),
				zap.Uint64("thread", snap.Root.Number),
				zap.Error(err),
			)
			continue
		}
		metrics.ArchiveUploads.WithLabelValues(snap.Board, "ok").Inc()
		metrics.ArchiveUploadDuration.Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) reject(board string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		metrics.PostsRejected.WithLabelValues(board, "cancelled").Inc()
		return err
	}
	metrics.PostsRejected.WithLabelValues(board, types.KindOf(err).String()).Inc()
	var te *types.Error
	if !errors.As(err, &te) {
		p.logger.Error("post failed", zap.String("board", board), zap.Error(err))
		return types.Internal("storing post", err)
	}
	return err
}
