// Package models provides data model definitions for the score revision core.
package models

import "time"

// Work is the composition aggregate grouping one or more sources.
type Work struct {
	ID          string    `db:"id" json:"workId"`
	Title       string    `db:"title" json:"title,omitempty"`
	SourceCount int       `db:"source_count" json:"sourceCount"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`

	// AvailableFormats is the union of populated derivative slots over the
	// latest revision of each source. Computed, not stored.
	AvailableFormats []Slot `db:"-" json:"availableFormats"`
}

// TableName returns the table name for Work.
func (Work) TableName() string {
	return "works"
}
