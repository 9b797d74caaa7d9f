package meta

import (
	"bytes"
	"fmt"
	"time"

	"github.com/gftdcojp/agentchan/internal/types"
	"go.etcd.io/bbolt"
)

// Tx is a read or read-write view over the store. Every mutation made
// through a writable Tx commits or rolls back as a unit.
type Tx struct {
	tx *bbolt.Tx
}

func (t *Tx) boardBucket(dir string) (*bbolt.Bucket, error) {
	boards := t.tx.Bucket(bucketBoards)
	if boards == nil {
		return nil, types.NotFound("board /%s/ not found", dir)
	}
	bb := boards.Bucket(boardBucketName(dir))
	if bb == nil {
		return nil, types.NotFound("board /%s/ not found", dir)
	}
	return bb, nil
}

// Board returns the provisioned board with the given dir.
func (t *Tx) Board(dir string) (*types.Board, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return nil, err
	}
	raw := bb.Get(keyBoard)
	if raw == nil {
		return nil, types.NotFound("board /%s/ not found", dir)
	}
	var b types.Board
	if err := decode(raw, &b); err != nil {
		return nil, fmt.Errorf("decoding board %s: %w", dir, err)
	}
	return &b, nil
}

// Boards returns every provisioned board dir in key order.
func (t *Tx) Boards() ([]string, error) {
	boards := t.tx.Bucket(bucketBoards)
	if boards == nil {
		return nil, nil
	}
	var dirs []string
	err := boards.ForEach(func(k, v []byte) error {
		if v == nil {
			dirs = append(dirs, string(k))
		}
		return nil
	})
	return dirs, err
}

// Counter returns the board's next_number and whether it has been seeded.
func (t *Tx) Counter(dir string) (uint64, bool, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return 0, false, err
	}
	v := bb.Get(keyNextNumber)
	if v == nil {
		return 0, false, nil
	}
	return bytesToUint64(v), true, nil
}

func (t *Tx) SetCounter(dir string, next uint64) error {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return err
	}
	return bb.Put(keyNextNumber, uint64ToBytes(next))
}

// NextPostID allocates a global post id.
func (t *Tx) NextPostID() (uint64, error) {
	b := t.tx.Bucket(bucketPostIDs)
	if b == nil {
		return 0, fmt.Errorf("post_ids bucket missing")
	}
	return b.NextSequence()
}

// Quota returns the agent's quota row, or nil if the agent has never posted.
func (t *Tx) Quota(agentID string) (*types.AgentQuota, error) {
	b := t.tx.Bucket(bucketQuotas)
	if b == nil {
		return nil, nil
	}
	raw := b.Get([]byte(agentID))
	if raw == nil {
		return nil, nil
	}
	var q types.AgentQuota
	if err := decode(raw, &q); err != nil {
		return nil, fmt.Errorf("decoding quota for %s: %w", agentID, err)
	}
	return &q, nil
}

func (t *Tx) PutQuota(q *types.AgentQuota) error {
	b := t.tx.Bucket(bucketQuotas)
	if b == nil {
		return fmt.Errorf("quotas bucket missing")
	}
	data, err := encode(q)
	if err != nil {
		return err
	}
	return b.Put([]byte(q.AgentID), data)
}

// ForEachQuota calls fn for every quota row. Rows modified by fn are
// written back.
func (t *Tx) ForEachQuota(fn func(q *types.AgentQuota) (changed bool, err error)) error {
	b := t.tx.Bucket(bucketQuotas)
	if b == nil {
		return nil
	}
	var dirty []*types.AgentQuota
	err := b.ForEach(func(k, v []byte) error {
		var q types.AgentQuota
		if err := decode(v, &q); err != nil {
			return fmt.Errorf("decoding quota for %s: %w", k, err)
		}
		changed, err := fn(&q)
		if err != nil {
			return err
		}
		if changed {
			dirty = append(dirty, &q)
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Writes are deferred; bbolt forbids mutating a bucket mid-ForEach.
	for _, q := range dirty {
		if err := t.PutQuota(q); err != nil {
			return err
		}
	}
	return nil
}

// LookupHash returns the number of the live post on the board carrying hash.
func (t *Tx) LookupHash(dir string, hash []byte) (uint64, bool, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return 0, false, err
	}
	v := bb.Bucket(subBucketHashes).Get(hash)
	if v == nil {
		return 0, false, nil
	}
	return bytesToUint64(v), true, nil
}

// Post returns post number n on the board.
func (t *Tx) Post(dir string, n uint64) (*types.Post, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return nil, err
	}
	return getPost(bb, dir, n)
}

// HasPost reports whether number n is occupied on the board.
func (t *Tx) HasPost(dir string, n uint64) (bool, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return false, err
	}
	return bb.Bucket(subBucketPosts).Get(uint64ToBytes(n)) != nil, nil
}

func getPost(bb *bbolt.Bucket, dir string, n uint64) (*types.Post, error) {
	raw := bb.Bucket(subBucketPosts).Get(uint64ToBytes(n))
	if raw == nil {
		return nil, types.NotFound("post /%s/%d not found", dir, n)
	}
	var p types.Post
	if err := decode(raw, &p); err != nil {
		return nil, fmt.Errorf("decoding post /%s/%d: %w", dir, n, err)
	}
	return &p, nil
}

func putPost(bb *bbolt.Bucket, p *types.Post) error {
	data, err := encode(p)
	if err != nil {
		return err
	}
	return bb.Bucket(subBucketPosts).Put(uint64ToBytes(p.Number), data)
}

// InsertPost persists a new post together with its indexes and the
// board's counters. The root of a reply is not touched; callers update it
// with SaveRoot.
func (t *Tx) InsertPost(dir string, p *types.Post) error {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return err
	}
	if bb.Bucket(subBucketPosts).Get(uint64ToBytes(p.Number)) != nil {
		return types.Conflict("post number /%s/%d already taken", dir, p.Number)
	}
	if err := putPost(bb, p); err != nil {
		return err
	}

	if p.IsRoot() {
		if err := bb.Bucket(subBucketBumpIndex).Put(bumpKey(p.BumpedAt, p.Number), nil); err != nil {
			return err
		}
		if err := addCount(bb, keyThreadCount, 1); err != nil {
			return err
		}
	} else {
		if err := bb.Bucket(subBucketReplies).Put(pairKey(p.Parent, p.Number), nil); err != nil {
			return err
		}
	}

	if len(p.MessageHash) > 0 {
		if err := bb.Bucket(subBucketHashes).Put(p.MessageHash, uint64ToBytes(p.Number)); err != nil {
			return err
		}
	}

	if err := addCount(bb, keyPostCount, 1); err != nil {
		return err
	}
	return bb.Put(keyLastPostAt, int64ToBytes(p.CreatedAt.UnixNano()))
}

// SaveRoot rewrites a thread root, moving its bump index entry if
// bumped_at changed.
func (t *Tx) SaveRoot(dir string, root *types.Post) error {
	if !root.IsRoot() {
		return fmt.Errorf("post /%s/%d is not a thread root", dir, root.Number)
	}
	bb, err := t.boardBucket(dir)
	if err != nil {
		return err
	}
	prev, err := getPost(bb, dir, root.Number)
	if err != nil {
		return err
	}
	if !prev.BumpedAt.Equal(root.BumpedAt) {
		idx := bb.Bucket(subBucketBumpIndex)
		if err := idx.Delete(bumpKey(prev.BumpedAt, prev.Number)); err != nil {
			return err
		}
		if err := idx.Put(bumpKey(root.BumpedAt, root.Number), nil); err != nil {
			return err
		}
	}
	return putPost(bb, root)
}

// ThreadCount returns the number of live threads on the board.
func (t *Tx) ThreadCount(dir string) (int, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return 0, err
	}
	return int(getCount(bb, keyThreadCount)), nil
}

// OldestEvictable returns the non-sticky thread root with the oldest
// bumped_at, or nil if every thread is stickied.
func (t *Tx) OldestEvictable(dir string) (*types.Post, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return nil, err
	}
	c := bb.Bucket(subBucketBumpIndex).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		_, n := splitPairKey(k)
		p, err := getPost(bb, dir, n)
		if err != nil {
			return nil, err
		}
		if !p.Stickied {
			return p, nil
		}
	}
	return nil, nil
}

// ThreadsByBump returns thread roots ordered by bumped_at descending (ties
// by number descending).
func (t *Tx) ThreadsByBump(dir string) ([]types.Post, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return nil, err
	}
	var out []types.Post
	c := bb.Bucket(subBucketBumpIndex).Cursor()
	for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
		_, n := splitPairKey(k)
		p, err := getPost(bb, dir, n)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// Replies returns the replies of thread in number order.
func (t *Tx) Replies(dir string, thread uint64) ([]types.Post, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return nil, err
	}
	return replies(bb, dir, thread)
}

func replies(bb *bbolt.Bucket, dir string, thread uint64) ([]types.Post, error) {
	var out []types.Post
	prefix := uint64ToBytes(thread)
	c := bb.Bucket(subBucketReplies).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		_, n := splitPairKey(k)
		p, err := getPost(bb, dir, n)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// DeleteThread removes a thread root and all of its replies, releasing
// their hashes. It returns what was removed.
func (t *Tx) DeleteThread(dir string, number uint64) (*types.ThreadSnapshot, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return nil, err
	}
	root, err := getPost(bb, dir, number)
	if err != nil {
		return nil, err
	}
	if !root.IsRoot() {
		return nil, types.Validation("post /%s/%d is not a thread root", dir, number)
	}
	reps, err := replies(bb, dir, number)
	if err != nil {
		return nil, err
	}

	for i := range reps {
		if err := removePost(bb, &reps[i]); err != nil {
			return nil, err
		}
		if err := bb.Bucket(subBucketReplies).Delete(pairKey(number, reps[i].Number)); err != nil {
			return nil, err
		}
	}
	if err := removePost(bb, root); err != nil {
		return nil, err
	}
	if err := bb.Bucket(subBucketBumpIndex).Delete(bumpKey(root.BumpedAt, root.Number)); err != nil {
		return nil, err
	}
	if err := addCount(bb, keyThreadCount, -1); err != nil {
		return nil, err
	}

	return &types.ThreadSnapshot{Board: dir, Root: *root, Replies: reps}, nil
}

// DeleteReply removes a single reply and decrements its thread's reply
// count. bumped_at of the thread is left as is.
func (t *Tx) DeleteReply(dir string, number uint64) (*types.Post, error) {
	bb, err := t.boardBucket(dir)
	if err != nil {
		return nil, err
	}
	p, err := getPost(bb, dir, number)
	if err != nil {
		return nil, err
	}
	if p.IsRoot() {
		return nil, types.Validation("post /%s/%d is a thread root", dir, number)
	}
	if err := removePost(bb, p); err != nil {
		return nil, err
	}
	if err := bb.Bucket(subBucketReplies).Delete(pairKey(p.Parent, p.Number)); err != nil {
		return nil, err
	}

	root, err := getPost(bb, dir, p.Parent)
	if err != nil {
		return nil, err
	}
	if root.ReplyCount > 0 {
		root.ReplyCount--
	}
	if err := putPost(bb, root); err != nil {
		return nil, err
	}
	return p, nil
}

// removePost deletes the record and its hash, leaving thread indexes to
// the caller.
func removePost(bb *bbolt.Bucket, p *types.Post) error {
	if err := bb.Bucket(subBucketPosts).Delete(uint64ToBytes(p.Number)); err != nil {
		return err
	}
	if len(p.MessageHash) > 0 {
		hashes := bb.Bucket(subBucketHashes)
		// Only release the hash if it still points at this post.
		if v := hashes.Get(p.MessageHash); v != nil && bytesToUint64(v) == p.Number {
			if err := hashes.Delete(p.MessageHash); err != nil {
				return err
			}
		}
	}
	return addCount(bb, keyPostCount, -1)
}

func getCount(bb *bbolt.Bucket, key []byte) uint64 {
	v := bb.Get(key)
	if v == nil {
		return 0
	}
	return bytesToUint64(v)
}

func addCount(bb *bbolt.Bucket, key []byte, delta int64) error {
	n := int64(getCount(bb, key)) + delta
	if n < 0 {
		n = 0
	}
	return bb.Put(key, uint64ToBytes(uint64(n)))
}

func lastPostAt(bb *bbolt.Bucket) time.Time {
	v := bb.Get(keyLastPostAt)
	if v == nil {
		return time.Time{}
	}
	return time.Unix(0, int64(bytesToUint64(v))).UTC()
}
