package models

import "time"

// Recording is a durable MP4 recording produced by the pipeline, either by
// rolling capture or by a pre-detection buffer flush. Unlike the rest of
// this package's models, Recording does not embed BaseModel: its primary
// key must be a monotonically assigned uint64 where 0 never denotes a
// valid row, which a ULID cannot guarantee.
type Recording struct {
	ID             uint64    `gorm:"primarykey;autoIncrement" json:"id"`
	StreamName     string    `gorm:"not null;size:255;index" json:"stream_name"`
	FilePath       string    `gorm:"not null;size:1024" json:"file_path"`
	ThumbnailPath  string    `gorm:"size:1024" json:"thumbnail_path,omitempty"`
	StartTime      int64     `gorm:"not null;index" json:"start_time"`
	EndTime        int64     `gorm:"not null;default:0" json:"end_time"`
	SizeBytes      int64     `gorm:"not null;default:0" json:"size_bytes"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	FPS            float64   `json:"fps"`
	Codec          string    `gorm:"size:32" json:"codec"`
	IsComplete     bool      `gorm:"not null;default:false;index" json:"is_complete"`
	TriggerType    string    `gorm:"size:32" json:"trigger_type,omitempty"` // "continuous" | "detection"
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the table name for Recording.
func (Recording) TableName() string {
	return "recordings"
}

// Validate enforces end_time == 0 iff
// is_complete == false.
func (r *Recording) Validate() error {
	if r.StreamName == "" {
		return ErrStreamNameRequired
	}
	if r.FilePath == "" {
		return ErrFilePathRequired
	}
	if r.IsComplete && r.EndTime == 0 {
		return ErrRecordingIncompleteEndTime
	}
	if !r.IsComplete && r.EndTime != 0 {
		return ErrRecordingIncompleteEndTime
	}
	return nil
}

// Duration returns the recording's duration, or 0 if not yet complete.
func (r *Recording) Duration() time.Duration {
	if !r.IsComplete {
		return 0
	}
	return time.Duration(r.EndTime-r.StartTime) * time.Second
}
