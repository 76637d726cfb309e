package memory

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the memory entry variants.
type Kind string

const (
	KindPreference  Kind = "preference"
	KindObservation Kind = "observation"
	KindReminder    Kind = "reminder"
)

// ReminderOptions carries the scheduling fields of a reminder entry.
// Either At is set (one-time reminder) or TimeOfDay, optionally with
// DaysOfWeek (recurring reminder).
type ReminderOptions struct {
	At         *time.Time `json:"at,omitempty"`
	TimeOfDay  string     `json:"time_of_day,omitempty"` // "HH:MM"
	DaysOfWeek []string   `json:"days_of_week,omitempty"`
}

// Entry is a durable memory record. The id is shared between the
// document store and the vector index.
type Entry struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"kind"`
	Content    string           `json:"content"`
	Place      string           `json:"place,omitempty"`
	ObservedAt *time.Time       `json:"observed_at,omitempty"` // observation entries only
	Reminder   *ReminderOptions `json:"reminder,omitempty"`    // reminder entries only
	CreatedAt  time.Time        `json:"created_at"`
	ModifiedAt time.Time        `json:"modified_at"`
}

// NewPreference creates a user preference entry.
func NewPreference(content, place string) *Entry {
	return newEntry(KindPreference, content, place)
}

// NewObservation creates a user observation entry with its relevance date.
func NewObservation(content, place string, observedAt time.Time) *Entry {
	e := newEntry(KindObservation, content, place)
	e.ObservedAt = &observedAt
	return e
}

// NewReminder creates a reminder entry.
func NewReminder(content, place string, opts ReminderOptions) *Entry {
	e := newEntry(KindReminder, content, place)
	e.Reminder = &opts
	return e
}

func newEntry(kind Kind, content, place string) *Entry {
	now := time.Now().UTC()
	return &Entry{
		ID:         uuid.New().String(),
		Kind:       kind,
		Content:    content,
		Place:      place,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// EmbeddingText is the deterministic formatting rule fed to the embedder:
// the place prefix, when present, followed by " - " and the content.
func (e *Entry) EmbeddingText() string {
	if e.Place != "" {
		return e.Place + " - " + e.Content
	}
	return e.Content
}
