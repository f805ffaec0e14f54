package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Event represents a tracked event destined for the Evntaly API.
type Event struct {
	// ID is the caller-supplied identity; empty means the fingerprint is derived.
	ID          string         `json:"id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Type        string         `json:"type,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	UserID      string         `json:"userId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Fingerprint returns the stable identity used for sampling decisions.
// It is the explicit ID when set, otherwise a hex SHA-256 over title, timestamp and user id.
func (e *Event) Fingerprint() string {
	if e.ID != "" {
		return e.ID
	}
	h := sha256.New()
	h.Write([]byte(e.Title))
	h.Write([]byte{'|'})
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write([]byte(e.UserID))
	return hex.EncodeToString(h.Sum(nil))
}

// HasTag reports whether tag is one of the event's tags.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
