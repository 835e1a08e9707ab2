// Package errdefs defines the error taxonomy shared by the training and
// inference pipeline. Every error is fatal for the run that raised it.
package errdefs

import (
	"fmt"

	"github.com/pkg/errors"
)

// ConfigurationError reports an invalid or missing hyperparameter, a
// zero-count label referenced by a sampler, or mismatched loss task keys.
// It is raised before training starts.
type ConfigurationError struct {
	Op  string
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Op, e.Msg)
}

// DataLoadError reports a missing or corrupt image or a malformed manifest row.
type DataLoadError struct {
	Op  string
	Msg string
	Err error
}

func (e *DataLoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("data load error: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("data load error: %s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *DataLoadError) Unwrap() error { return e.Err }

// CheckpointIOError reports a checkpoint that could not be written or read.
type CheckpointIOError struct {
	Op   string
	Path string
	Err  error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint io error: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CheckpointIOError) Unwrap() error { return e.Err }

// Configuration returns a ConfigurationError with a formatted message.
func Configuration(op, format string, args ...interface{}) error {
	return errors.WithStack(&ConfigurationError{Op: op, Msg: fmt.Sprintf(format, args...)})
}

// DataLoad returns a DataLoadError wrapping cause, which may be nil.
func DataLoad(op string, cause error, format string, args ...interface{}) error {
	return errors.WithStack(&DataLoadError{Op: op, Msg: fmt.Sprintf(format, args...), Err: cause})
}

// CheckpointIO returns a CheckpointIOError for path.
func CheckpointIO(op, path string, cause error) error {
	return errors.WithStack(&CheckpointIOError{Op: op, Path: path, Err: cause})
}

// IsConfiguration reports whether err wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsDataLoad reports whether err wraps a DataLoadError.
func IsDataLoad(err error) bool {
	var target *DataLoadError
	return errors.As(err, &target)
}

// IsCheckpointIO reports whether err wraps a CheckpointIOError.
func IsCheckpointIO(err error) bool {
	var target *CheckpointIOError
	return errors.As(err, &target)
}
