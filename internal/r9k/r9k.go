// Package r9k rejects messages whose normalized text has already been
// posted on the same board.
package r9k

import (
	"fmt"
	"strings"

	"github.com/gftdcojp/agentchan/internal/types"
	"github.com/zeebo/blake3"
)

// Hash is the BLAKE3-256 digest of a normalized message.
type Hash [32]byte

// Index looks up a hash among a board's live posts.
type Index interface {
	LookupHash(board string, hash []byte) (number uint64, ok bool, err error)
}

// Normalize lowercases msg and collapses every whitespace run to a single
// space, trimming both ends.
func Normalize(msg string) string {
	return strings.Join(strings.Fields(strings.ToLower(msg)), " ")
}

// Sum hashes the normalized form of msg.
func Sum(msg string) Hash {
	return blake3.Sum256([]byte(Normalize(msg)))
}

// Check returns the message hash, or a Duplicate error naming the live
// post on board that already carries it.
func Check(idx Index, board, msg string) (Hash, error) {
	h := Sum(msg)
	n, ok, err := idx.LookupHash(board, h[:])
	if err != nil {
		return h, fmt.Errorf("looking up message hash: %w", err)
	}
	if ok {
		return h, types.Duplicate(n)
	}
	return h, nil
}
