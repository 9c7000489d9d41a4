package bag

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptRecord       = errors.New("corrupt record")
	ErrUnknownVersion      = errors.New("unknown bag version")
	ErrNoMoreRecords       = errors.New("no more records")
	ErrUndefinedConnection = errors.New("data record references undefined hash")
	ErrClosed              = errors.New("bag closed")
	ErrBackupExists        = errors.New("backup file exists")
)

// FormatError reports a record that cannot be framed. Reading stops at the
// first FormatError; records before Offset are intact.
type FormatError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("offset %d: %s: %v", e.Offset, e.Reason, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

func corrupt(offset int64, reason string, args ...any) *FormatError {
	return &FormatError{Offset: offset, Reason: fmt.Sprintf(reason, args...), Err: ErrCorruptRecord}
}

// SchemaError reports a record whose schema could not be resolved. The
// record is skipped; reading may continue.
type SchemaError struct {
	Type   string
	MD5    string
	Topic  string
	Offset int64
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("offset %d: topic %s: %s [%s]: %v", e.Offset, e.Topic, e.Type, e.MD5, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }
