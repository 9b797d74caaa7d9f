// Package bump decides how a reply affects its thread's position.
package bump

import (
	"github.com/gftdcojp/agentchan/internal/types"
)

// State describes a thread with respect to bumping.
type State int

const (
	Fresh  State = iota // no replies yet
	Bumped              // has replies, still under the bump limit
	Saged               // last decision was a sage reply
	Capped              // at or past the bump limit; replies no longer bump
	Locked              // accepts no replies
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Bumped:
		return "bumped"
	case Saged:
		return "saged"
	case Capped:
		return "capped"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Decision is the outcome for one incoming reply.
type Decision struct {
	State State
	Bump  bool
}

// Decide applies the reply rules to root, the thread's current root record.
// The reply count used is the one before the incoming reply is stored.
func Decide(root *types.Post, board *types.Board, sage bool) (Decision, error) {
	if board.Locked {
		return Decision{State: Locked}, types.ThreadLocked("board /%s/ is locked", board.Dir)
	}
	if root.Locked {
		return Decision{State: Locked}, types.ThreadLocked("thread /%s/%d is locked", board.Dir, root.Number)
	}
	if board.MaxRepliesPerThread > 0 && root.ReplyCount >= board.MaxRepliesPerThread {
		return Decision{State: Capped}, types.CapacityExceeded(
			"thread /%s/%d has reached the reply limit (%d)", board.Dir, root.Number, board.MaxRepliesPerThread)
	}
	if root.ReplyCount >= board.BumpLimit {
		return Decision{State: Capped}, nil
	}
	if sage {
		return Decision{State: Saged}, nil
	}
	return Decision{State: Bumped, Bump: true}, nil
}

// Apply records an accepted reply on root: the reply count always grows,
// bumped_at moves to the reply's creation time only when d.Bump is set.
func Apply(root *types.Post, d Decision, reply *types.Post) {
	root.ReplyCount++
	if d.Bump && reply.CreatedAt.After(root.BumpedAt) {
		root.BumpedAt = reply.CreatedAt
	}
}

// StateOf reports a thread's state for listings.
func StateOf(root *types.Post, board *types.Board) State {
	switch {
	case board.Locked || root.Locked:
		return Locked
	case root.ReplyCount >= board.BumpLimit:
		return Capped
	case root.ReplyCount == 0:
		return Fresh
	default:
		return Bumped
	}
}
