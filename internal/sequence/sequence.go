// Package sequence allocates per-board post numbers.
package sequence

import "fmt"

// CounterStore is the slice of a write transaction the sequencer needs.
type CounterStore interface {
	Counter(board string) (next uint64, ok bool, err error)
	SetCounter(board string, next uint64) error
}

// Next returns the board's next post number and advances the counter. It
// must run inside the transaction that persists the post: a rolled back
// transaction also rolls back the increment, so no number is skipped.
func Next(cs CounterStore, board string) (uint64, error) {
	n, ok, err := cs.Counter(board)
	if err != nil {
		return 0, fmt.Errorf("reading counter for /%s/: %w", board, err)
	}
	if !ok || n == 0 {
		n = 1
	}
	if err := cs.SetCounter(board, n+1); err != nil {
		return 0, fmt.Errorf("advancing counter for /%s/: %w", board, err)
	}
	return n, nil
}
