package models

import "errors"

// Common validation errors for models.
var (
	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrFilePathRequired indicates a required file path field is empty.
	ErrFilePathRequired = errors.New("file_path is required")

	// ErrStreamNameRequired indicates a required stream name field is empty.
	ErrStreamNameRequired = errors.New("stream_name is required")

	// ErrRecordingIncompleteEndTime indicates end_time and is_complete disagree.
	ErrRecordingIncompleteEndTime = errors.New("end_time must be zero iff is_complete is false")

	// ErrInvalidSensitivity indicates a sensitivity value outside 0..100.
	ErrInvalidSensitivity = errors.New("sensitivity must be between 0 and 100")
)
