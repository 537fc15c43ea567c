package models

// MotionZone is a configured detection region for a stream. It is read by
// the (out-of-scope) detection runtime and written through the thin
// introspection API; the recording pipeline itself never interprets the
// polygon.
type MotionZone struct {
	BaseModel

	StreamName  string `gorm:"not null;size:255;index" json:"stream_name"`
	Name        string `gorm:"not null;size:255" json:"name"`
	Polygon     string `gorm:"type:text" json:"polygon"` // JSON array of {x,y} points, normalized 0..1
	Sensitivity int    `gorm:"default:50" json:"sensitivity"`
	Enabled     bool   `gorm:"not null" json:"enabled"`
}

// TableName returns the table name for MotionZone.
func (MotionZone) TableName() string {
	return "motion_zones"
}

// Validate performs basic validation on the motion zone.
func (z *MotionZone) Validate() error {
	if z.StreamName == "" {
		return ErrStreamNameRequired
	}
	if z.Name == "" {
		return ErrNameRequired
	}
	if z.Sensitivity < 0 || z.Sensitivity > 100 {
		return ErrInvalidSensitivity
	}
	return nil
}
