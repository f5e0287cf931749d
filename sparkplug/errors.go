package sparkplug

import (
	"fmt"

	"github.com/juju/errors"
)

// UnsupportedTypeError is returned when a datatype can not be encoded or
// decoded in given context. Unknown types are never skipped silently.
type UnsupportedTypeError struct {
	DataType DataType
	Context  string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("sparkplug: unsupported datatype %s", e.DataType)
	}
	return fmt.Sprintf("sparkplug: unsupported datatype %s in %s", e.DataType, e.Context)
}

// DecodeError covers truncated or malformed payload and packed array bytes.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "sparkplug: decode " + e.What
	}
	return fmt.Sprintf("sparkplug: decode %s: %v", e.What, e.Err)
}

type MalformedTopicError struct {
	Topic  string
	Reason string
}

func (e *MalformedTopicError) Error() string {
	return fmt.Sprintf("sparkplug: malformed topic=%q %s", e.Topic, e.Reason)
}

// SequenceGapError is observed on consumer side only.
type SequenceGapError struct {
	Topic    string
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("sparkplug: sequence gap topic=%s expected=%d got=%d", e.Topic, e.Expected, e.Got)
}

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{What: fmt.Sprintf(format, args...)}
}

func IsUnsupportedType(err error) bool {
	_, ok := errors.Cause(err).(*UnsupportedTypeError)
	return ok
}

func IsDecode(err error) bool {
	_, ok := errors.Cause(err).(*DecodeError)
	return ok
}

func IsMalformedTopic(err error) bool {
	_, ok := errors.Cause(err).(*MalformedTopicError)
	return ok
}

func IsSequenceGap(err error) bool {
	_, ok := errors.Cause(err).(*SequenceGapError)
	return ok
}
