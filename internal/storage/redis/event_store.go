package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/kguard/internal/storage"
	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic-lock retries in DeleteBefore
const maxTxRetries = 3

var appendScript = redis.NewScript(appendEventScript)

type eventStore struct {
	client *redis.Client
}

// Append atomically appends an event to the user's log
func (s *eventStore) Append(ctx context.Context, event storage.UsageEvent) error {
	if event.ID == "" || event.UserID == "" {
		return fmt.Errorf("event requires id and user_id")
	}

	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}

	keys := []string{logKey(event.UserID), idsKey(event.UserID), usersKey}
	args := []interface{}{event.ID, event.UserID, payload}

	return appendScript.Run(ctx, s.client, keys, args...).Err()
}

// Load returns the user's events in append order
func (s *eventStore) Load(ctx context.Context, userID string) ([]storage.UsageEvent, error) {
	entries, err := s.client.LRange(ctx, logKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	events := make([]storage.UsageEvent, 0, len(entries))
	for _, entry := range entries {
		event, err := decodeEvent(entry)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, nil
}

// Users returns every user that has a log
func (s *eventStore) Users(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// DeleteBefore trims the leading events older than cutoff
func (s *eventStore) DeleteBefore(ctx context.Context, userID string, cutoff time.Time) (int, error) {
	key := logKey(userID)
	deleted := 0

	txf := func(tx *redis.Tx) error {
		entries, err := tx.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return err
		}

		// Events are appended in time order, so only a prefix can be expired
		var expiredIDs []interface{}
		for _, entry := range entries {
			event, err := decodeEvent(entry)
			if err != nil {
				return err
			}
			if !event.Timestamp.Before(cutoff) {
				break
			}
			expiredIDs = append(expiredIDs, event.ID)
		}

		if len(expiredIDs) == 0 {
			deleted = 0
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LTrim(ctx, key, int64(len(expiredIDs)), -1)
			pipe.SRem(ctx, idsKey(userID), expiredIDs...)
			return nil
		})
		if err != nil {
			return err
		}

		deleted = len(expiredIDs)
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return deleted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, err
	}

	return 0, fmt.Errorf("delete events for %s: too many concurrent modifications", userID)
}
