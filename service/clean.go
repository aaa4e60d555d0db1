package service

import (
	"time"

	"github.com/boltdb/bolt"
	"github.com/tobyprime/VerificationBot/db"
)

// ExpireClean deletes every record of the bucket for which expired returns true
// and returns the number of deleted records.
func ExpireClean(bucket string, now time.Time, expired func(b []byte, now time.Time) bool) (n int, err error) {
	err = db.DB().Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		var listClean [][]byte
		if err = bkt.ForEach(func(k, b []byte) error {
			if expired(b, now) {
				// k is only valid during the transaction
				listClean = append(listClean, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range listClean {
			if err = bkt.Delete(k); err != nil {
				return err
			}
		}
		n = len(listClean)
		return nil
	})
	return n, err
}
