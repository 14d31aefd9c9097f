package bolt

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"go.etcd.io/bbolt"
)

type eventStore struct {
	db *bbolt.DB
}

func (s *eventStore) Append(ctx context.Context, event storage.UsageEvent) error {
	if event.ID == "" || event.UserID == "" {
		return fmt.Errorf("event requires id and user_id")
	}
	data, err := marshal(event)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		user, err := userBucket(tx, event.UserID, true)
		if err != nil {
			return err
		}
		ids := user.Bucket([]byte(bucketIDs))
		if ids.Get([]byte(event.ID)) != nil {
			return nil
		}

		seq, err := user.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		key := sequenceKey(seq)
		if err := user.Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(event.ID), key)
	})
}

func (s *eventStore) Load(ctx context.Context, userID string) ([]storage.UsageEvent, error) {
	events := make([]storage.UsageEvent, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		user, err := userBucket(tx, userID, false)
		if err != nil || user == nil {
			return err
		}
		return forEachEvent(ctx, user, func(_ []byte, event storage.UsageEvent) (bool, error) {
			events = append(events, event)
			return true, nil
		})
	})
	return events, err
}

func (s *eventStore) Users(ctx context.Context) ([]string, error) {
	users := make([]string, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		root := tx.Bucket([]byte(bucketEvents))
		if root == nil {
			return nil
		}
		return root.ForEach(func(k, v []byte) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// nested buckets have nil values
			if v == nil {
				users = append(users, string(k))
			}
			return nil
		})
	})
	sort.Strings(users)
	return users, err
}

func (s *eventStore) DeleteBefore(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		user, err := userBucket(tx, userID, false)
		if err != nil || user == nil {
			return err
		}

		type expired struct {
			key []byte
			id  string
		}
		var victims []expired
		err = forEachEvent(ctx, user, func(k []byte, event storage.UsageEvent) (bool, error) {
			if !event.Timestamp.Before(cutoff) {
				return false, nil
			}
			victims = append(victims, expired{key: append([]byte(nil), k...), id: event.ID})
			return true, nil
		})
		if err != nil {
			return err
		}

		ids := user.Bucket([]byte(bucketIDs))
		for _, v := range victims {
			if err := user.Delete(v.key); err != nil {
				return err
			}
			if err := ids.Delete([]byte(v.id)); err != nil {
				return err
			}
		}
		deleted = len(victims)
		return nil
	})
	return deleted, err
}

// userBucket returns the user's log bucket, or nil when absent and create is false.
func userBucket(tx *bbolt.Tx, userID string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket([]byte(bucketEvents))
	if root == nil {
		return nil, fmt.Errorf("bucket missing: %s", bucketEvents)
	}
	if !create {
		return root.Bucket([]byte(userID)), nil
	}
	user, err := root.CreateBucketIfNotExists([]byte(userID))
	if err != nil {
		return nil, fmt.Errorf("create user bucket %s: %w", userID, err)
	}
	if _, err := user.CreateBucketIfNotExists([]byte(bucketIDs)); err != nil {
		return nil, fmt.Errorf("create ids bucket: %w", err)
	}
	return user, nil
}

// forEachEvent walks the log in sequence order until fn returns false.
func forEachEvent(ctx context.Context, user *bbolt.Bucket, fn func(k []byte, event storage.UsageEvent) (bool, error)) error {
	c := user.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if v == nil {
			continue
		}
		var event storage.UsageEvent
		if err := unmarshal(v, &event); err != nil {
			return err
		}
		more, err := fn(k, event)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
