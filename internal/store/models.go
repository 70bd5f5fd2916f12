package store

import "time"

// AggregateRecord is one per-day counter. Rows are only ever inserted or
// incremented.
type AggregateRecord struct {
	Date      string    `gorm:"primaryKey;size:10" json:"date"`
	TypeState string    `gorm:"primaryKey;size:300" json:"type_state"`
	Type      string    `gorm:"index:idx_aggregates_type;size:128" json:"type"`
	State     string    `gorm:"size:128" json:"state"`
	Count     int64     `gorm:"not null" json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessedEvent records that an event identity has been counted.
type ProcessedEvent struct {
	EventID     string    `gorm:"primaryKey;size:64"`
	Date        string    `gorm:"size:10"`
	TypeState   string    `gorm:"size:300"`
	MessageID   string    `gorm:"size:64"`
	ProcessedAt time.Time `gorm:"index:idx_processed_events_at"`
}
