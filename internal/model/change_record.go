package model

import "time"

// Change kinds stored in the audit log.
const (
	ChangeKindNew       = "new"
	ChangeKindUpdate    = "update"
	ChangeKindCancelled = "cancelled"
	ChangeKindRewrite   = "rewrite"
)

// ChangeRecord is one audited change applied to the mirror.
type ChangeRecord struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CycleID     string    `gorm:"size:64;index" json:"cycleId"`
	Kind        string    `gorm:"size:32;not null" json:"kind"`
	LessonID    int64     `gorm:"index;not null" json:"lessonId"`
	Subject     string    `gorm:"size:256" json:"subject"`
	Field       string    `gorm:"size:32" json:"field,omitempty"`
	OldValue    string    `gorm:"size:512" json:"oldValue,omitempty"`
	NewValue    string    `gorm:"size:512" json:"newValue,omitempty"`
	LessonStart time.Time `gorm:"not null" json:"lessonStart"`
	DetectedAt  time.Time `gorm:"not null;index" json:"detectedAt"`
}
