package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 adds the hashes sub-bucket to every board and backfills it
// from the stored posts' message hashes.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		boards := tx.Bucket(bucketBoards)
		if boards != nil {
			err := boards.ForEach(func(k, v []byte) error {
				// v != nil means a plain key, not a board bucket
				if v != nil {
					return nil
				}
				bb := boards.Bucket(k)
				if bb == nil {
					return nil
				}
				hashes, err := bb.CreateBucketIfNotExists(subBucketHashes)
				if err != nil {
					return err
				}
				posts := bb.Bucket(subBucketPosts)
				if posts == nil {
					return nil
				}
				var backfilled int
				err = posts.ForEach(func(num, raw []byte) error {
					var p struct {
						MessageHash []byte `cbor:"message_hash"`
					}
					if err := decode(raw, &p); err != nil {
						return err
					}
					if len(p.MessageHash) == 0 {
						return nil
					}
					backfilled++
					return hashes.Put(p.MessageHash, num)
				})
				if err != nil {
					return err
				}
				s.logger.Info("backfilled hash index", zap.ByteString("board", k), zap.Int("posts", backfilled))
				return nil
			})
			if err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}
