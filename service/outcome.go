package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/tobyprime/VerificationBot/db"
	"github.com/tobyprime/VerificationBot/model"
)

// OutcomeRecorder stores verification outcomes in the outcome bucket.
type OutcomeRecorder struct{}

func (OutcomeRecorder) RecordOutcome(o model.Outcome) error {
	return SaveOutcome(nil, o)
}

// SaveOutcome writes an outcome record. A missing ID is generated.
func SaveOutcome(tx *bolt.Tx, o model.Outcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.ResolvedAt.IsZero() {
		o.ResolvedAt = time.Now()
	}
	f := func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(model.BucketOutcome))
		if err != nil {
			return err
		}
		b, err := jsoniter.Marshal(&o)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(o.ID), b)
	}
	if tx != nil {
		return f(tx)
	}
	if err := db.DB().Update(f); err != nil {
		return fmt.Errorf("SaveOutcome: %w", err)
	}
	return nil
}

// GetOutcomesByChat returns the outcomes of a chat, newest first.
func GetOutcomesByChat(tx *bolt.Tx, chatID int64) (outcomes []model.Outcome, err error) {
	f := func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(model.BucketOutcome))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			var o model.Outcome
			if err := jsoniter.Unmarshal(v, &o); err != nil {
				// skip broken records
				return nil
			}
			if o.ChatID == chatID {
				outcomes = append(outcomes, o)
			}
			return nil
		})
	}
	if tx != nil {
		err = f(tx)
	} else {
		err = db.DB().View(f)
	}
	if err != nil {
		return nil, fmt.Errorf("GetOutcomesByChat: %w", err)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		return outcomes[i].ResolvedAt.After(outcomes[j].ResolvedAt)
	})
	return outcomes, nil
}

// OutcomeExpired reports whether a stored outcome is older than retention.
func OutcomeExpired(b []byte, now time.Time, retention time.Duration) bool {
	var o model.Outcome
	if err := jsoniter.Unmarshal(b, &o); err != nil {
		// invalid records are regarded as expired
		return true
	}
	return now.Sub(o.ResolvedAt) > retention
}
