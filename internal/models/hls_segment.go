package models

// HLSSegment tracks a single .ts file produced for a stream's live
// playlist. The storage retention walk deletes unprotected rows of a
// stream by mtime; it does not read RecordingID, which is set through
// AttachRecording.
type HLSSegment struct {
	ID          uint64  `gorm:"primarykey;autoIncrement" json:"id"`
	StreamName  string  `gorm:"not null;size:255;index" json:"stream_name"`
	Path        string  `gorm:"not null;size:1024" json:"path"`
	Sequence    uint64  `gorm:"not null;index" json:"sequence"`
	DurationS   float64 `json:"duration_s"`
	Bytes       int64   `json:"bytes"`
	MtimeUnix   int64   `json:"mtime_unix"`
	Protected   bool    `gorm:"not null;default:false;index" json:"protected"`
	RecordingID uint64  `gorm:"index" json:"recording_id,omitempty"`
}

// TableName returns the table name for HLSSegment.
func (HLSSegment) TableName() string {
	return "hls_segments"
}
