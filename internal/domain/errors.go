package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrOutOfOrder matches any *OutOfOrderError via errors.Is.
var ErrOutOfOrder = errors.New("detection out of order")

// ConfigError reports an unusable startup setting.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ClassificationError reports a distance code the sensor should never produce.
type ClassificationError struct {
	Distance Distance
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify distance: unexpected code %d", int(e.Distance))
}

// OutOfOrderError reports a detection stamped before the last one appended.
type OutOfOrderError struct {
	Timestamp time.Time
	Last      time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("%s: %s precedes %s", ErrOutOfOrder,
		e.Timestamp.Format(time.RFC3339Nano), e.Last.Format(time.RFC3339Nano))
}

func (e *OutOfOrderError) Is(target error) bool {
	return target == ErrOutOfOrder
}

// PublishError wraps a gateway failure with the destination it was bound for.
type PublishError struct {
	Gateway string
	Topic   string
	Err     error
}

func (e *PublishError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("publish to %s: %v", e.Gateway, e.Err)
	}
	return fmt.Sprintf("publish to %s %s: %v", e.Gateway, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
