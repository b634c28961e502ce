package opsignal

import "fmt"

// ValidationError indicates malformed or insufficient input, such as a
// clustering batch with fewer than two signals. It is not retryable.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// FeatureQualityError indicates a structurally invalid feature vector for a
// single signal. The signal is excluded with a warning and the batch
// continues.
type FeatureQualityError struct {
	SignalID string
	Reason   string
}

func (e *FeatureQualityError) Error() string {
	return fmt.Sprintf("feature quality check failed for signal %s: %s", e.SignalID, e.Reason)
}

// StageFailure indicates an unexpected panic inside a clustering stage. The
// whole run is aborted; the caller may retry the full batch.
type StageFailure struct {
	Stage string
	Cause any
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("clustering stage %q failed: %v", e.Stage, e.Cause)
}

// ConfigurationError indicates an invalid pipeline configuration, detected
// before any processing starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}
