package redis

import (
	"encoding/json"
	"fmt"

	"github.com/goodtune/kguard/internal/storage"
)

const (
	usersKey = "kguard:events:users"
)

func logKey(userID string) string {
	return fmt.Sprintf("kguard:events:%s", userID)
}

func idsKey(userID string) string {
	return fmt.Sprintf("kguard:events:%s:ids", userID)
}

// encodeEvent converts a UsageEvent to its list entry
func encodeEvent(event storage.UsageEvent) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	return string(data), nil
}

// decodeEvent converts a list entry to a UsageEvent
func decodeEvent(data string) (storage.UsageEvent, error) {
	var event storage.UsageEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return storage.UsageEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return event, nil
}
