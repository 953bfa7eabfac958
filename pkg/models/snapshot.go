package models

import "time"

type SnapshotInfo struct {
	Version        string    `json:"version"`
	Strategy       string    `json:"strategy"`
	Source         string    `json:"source"`
	Users          int       `json:"users"`
	Items          int       `json:"items"`
	Ratings        int       `json:"ratings"`
	PrecomputedK   int       `json:"precomputed_k,omitempty"`
	LoadedAt       time.Time `json:"loaded_at"`
	LoadDurationMs int64     `json:"load_duration_ms"`
}

type ReloadResponse struct {
	Changed         bool         `json:"changed"`
	PreviousVersion string       `json:"previous_version,omitempty"`
	Snapshot        SnapshotInfo `json:"snapshot"`
}

// RatingsChangedEvent is consumed from the ratings-changed topic. Any event
// triggers a full reload; the fields are informational.
type RatingsChangedEvent struct {
	EventID    string    `json:"event_id"`
	Source     string    `json:"source"`
	Reason     string    `json:"reason,omitempty"`
	UserIDs    []string  `json:"user_ids,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SnapshotEvent is published to the snapshot-events topic after a swap.
type SnapshotEvent struct {
	EventID         string       `json:"event_id"`
	Trigger         string       `json:"trigger"`
	PreviousVersion string       `json:"previous_version,omitempty"`
	Snapshot        SnapshotInfo `json:"snapshot"`
	PublishedAt     time.Time    `json:"published_at"`
}
