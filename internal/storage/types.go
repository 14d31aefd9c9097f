package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Reason records who caused a usage transition.
type Reason string

const (
	ReasonUser  Reason = "user"
	ReasonQuota Reason = "quota"
	ReasonIdle  Reason = "idle"
)

// UnmarshalJSON implements json.Unmarshaler to normalize reason to lowercase.
func (r *Reason) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Reason(strings.ToLower(s))
	switch normalized {
	case ReasonUser, ReasonQuota, ReasonIdle:
		*r = normalized
		return nil
	case "":
		*r = ReasonUser
		return nil
	default:
		return fmt.Errorf("invalid reason: %s (must be user, quota, or idle)", s)
	}
}

// UsageEvent is one persisted start/stop transition of a user's usage.
type UsageEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	Started   bool      `json:"started"`
	Reason    Reason    `json:"reason"`
}
