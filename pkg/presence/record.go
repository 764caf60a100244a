// Package presence tracks which users are online across all of their
// connections.
//
// Every connection of a user contributes one key to the connections map of
// the user's record at presence/{user}. A record is online exactly when that
// map is non-empty. The store removes a connection's key when the
// connection is lost, and flips the record offline when the last key goes.
package presence

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("unknown presence status %q", s)
}

// Record is the per-user presence document.
type Record struct {
	Online      bool            `json:"online"`
	Status      Status          `json:"status"`
	LastSeen    int64           `json:"lastSeen"`
	Nickname    string          `json:"nickname,omitempty"`
	Avatar      string          `json:"avatar,omitempty"`
	Connections map[string]bool `json:"connections,omitempty"`
}

// EffectiveStatus is the status to display: offline whenever the user has no
// live connection, online when no status was chosen.
func (r Record) EffectiveStatus() Status {
	if !r.Online {
		return StatusOffline
	}
	if r.Status == "" {
		return StatusOnline
	}
	return r.Status
}

// LastSeenTime converts LastSeen from Unix milliseconds.
func (r Record) LastSeenTime() time.Time {
	return time.UnixMilli(r.LastSeen)
}

func decodeRecord(data []byte) (*Record, error) {
	if data == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode presence record: %w", err)
	}
	return &rec, nil
}
