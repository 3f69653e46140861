package job

import (
	"errors"
	"fmt"
)

// CannotMergeError means the merge request will not merge in its current
// form; the bot unassigns itself and the reason is surfaced to the human.
type CannotMergeError struct {
	Reason string
}

func (e *CannotMergeError) Error() string { return e.Reason }

// SkipMergeError means the merge request is temporarily ineligible
// (embargo, pending CI, unassigned); assignment is left unchanged and the
// scheduler moves on.
type SkipMergeError struct {
	Reason string
}

func (e *SkipMergeError) Error() string { return e.Reason }

// CannotMerge builds a CannotMergeError with a formatted reason.
func CannotMerge(format string, args ...interface{}) error {
	return &CannotMergeError{Reason: fmt.Sprintf(format, args...)}
}

// SkipMerge builds a SkipMergeError with a formatted reason.
func SkipMerge(format string, args ...interface{}) error {
	return &SkipMergeError{Reason: fmt.Sprintf(format, args...)}
}

// IsCannotMerge reports whether err is a CannotMergeError.
func IsCannotMerge(err error) bool {
	var cm *CannotMergeError
	return errors.As(err, &cm)
}

// IsSkipMerge reports whether err is a SkipMergeError.
func IsSkipMerge(err error) bool {
	var sm *SkipMergeError
	return errors.As(err, &sm)
}

// Reason extracts the human-facing reason from a terminal job error.
func Reason(err error) string {
	var cm *CannotMergeError
	if errors.As(err, &cm) {
		return cm.Reason
	}
	var sm *SkipMergeError
	if errors.As(err, &sm) {
		return sm.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
