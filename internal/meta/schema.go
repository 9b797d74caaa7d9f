package meta

import (
	"encoding/binary"
	"time"
)

// Bucket names in BoltDB.
//
//	system/                  schema_version
//	post_ids/                sequence only (global post ids)
//	boards/<dir>/            board, next_number, threads, post_count, last_post_at
//	boards/<dir>/posts/      number -> Post
//	boards/<dir>/replies/    thread|number -> nil
//	boards/<dir>/bump_index/ bumped_at|number -> nil (roots only)
//	boards/<dir>/hashes/     message hash -> number
//	quotas/                  agent id -> AgentQuota
var (
	bucketSystem     = []byte("system")
	bucketPostIDs    = []byte("post_ids")
	bucketBoards     = []byte("boards")
	bucketQuotas     = []byte("quotas")
	keySchemaVersion = []byte("schema_version")

	keyBoard       = []byte("board")
	keyNextNumber  = []byte("next_number")
	keyThreadCount = []byte("threads")
	keyPostCount   = []byte("post_count")
	keyLastPostAt  = []byte("last_post_at")

	subBucketPosts     = []byte("posts")
	subBucketReplies   = []byte("replies")
	subBucketBumpIndex = []byte("bump_index")

	// Schema v2: R9K hash index
	subBucketHashes = []byte("hashes")
)

const currentSchemaVersion = 2

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// pairKey concatenates two big-endian uint64s so cursor order follows
// (a, b).
func pairKey(a, b uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], a)
	binary.BigEndian.PutUint64(k[8:], b)
	return k
}

func splitPairKey(k []byte) (uint64, uint64) {
	return binary.BigEndian.Uint64(k[:8]), binary.BigEndian.Uint64(k[8:])
}

func bumpKey(bumpedAt time.Time, number uint64) []byte {
	return pairKey(uint64(bumpedAt.UnixNano()), number)
}

func boardBucketName(dir string) []byte {
	return []byte(dir)
}
