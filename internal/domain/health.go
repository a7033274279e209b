// Package domain defines the health-tracking entities and the persistence contract shared by every backend.
package domain

import (
	"strings"
	"time"
)

// HealthSnapshot is one timestamped record of all tracked metric values. Seq is assigned by the gateway on
// append and breaks RecordedAt ties.
type HealthSnapshot struct {
	UserID         string    `json:"user_id"`
	HeartRate      int       `json:"heart_rate"`
	Steps          int       `json:"steps"`
	Sleep          float64   `json:"sleep"`
	Water          float64   `json:"water"`
	CaloriesBurned int       `json:"calories_burned"`
	RecordedAt     time.Time `json:"recorded_at"`
	Seq            int64     `json:"seq"`
}

// DefaultSnapshot is the zeroed snapshot returned for users without any recorded metrics.
func DefaultSnapshot(userID string) HealthSnapshot {
	return HealthSnapshot{UserID: userID}
}

// NewerThan reports whether s was recorded after other, using Seq to order equal timestamps.
func (s HealthSnapshot) NewerThan(other HealthSnapshot) bool {
	if !s.RecordedAt.Equal(other.RecordedAt) {
		return s.RecordedAt.After(other.RecordedAt)
	}
	return s.Seq > other.Seq
}

// Activity is a checklist entry owned by a user. ScheduledTime and Duration are display labels such as
// "8:00 AM" or "15 min" and are never parsed.
type Activity struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	ScheduledTime string    `json:"time"`
	Duration      *string   `json:"duration,omitempty"`
	Completed     bool      `json:"completed"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// NewActivity carries the user-supplied fields for an activity insert.
type NewActivity struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	ScheduledTime string  `json:"time"`
	Duration      *string `json:"duration,omitempty"`
}

// Validate ensures the required form fields are present.
func (n NewActivity) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	return nil
}

// Profile is created implicitly with empty fields the first time a user opens a session.
type Profile struct {
	UserID    string    `json:"user_id"`
	FirstName *string   `json:"first_name"`
	LastName  *string   `json:"last_name"`
	AvatarURL *string   `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
}
