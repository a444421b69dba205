// Package errors provides standardized error types and helpers for the
// tpsconvert codebase.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the conversion error taxonomy
var (
	// ErrInvalidHeader indicates a source file whose TopSpeed header is unusable
	ErrInvalidHeader = errors.New("invalid header")
	// ErrUnsupportedVersion indicates a TopSpeed version the reader does not handle
	ErrUnsupportedVersion = errors.New("unsupported version")
	// ErrCorruptPage indicates a page that failed validation and was skipped
	ErrCorruptPage = errors.New("corrupt page")
	// ErrUnexpectedEOF indicates the file ended inside a structure
	ErrUnexpectedEOF = errors.New("unexpected end of file")
	// ErrTableDefParse indicates a table definition that could not be parsed
	ErrTableDefParse = errors.New("table definition parse failure")
	// ErrRowDecode indicates a record that could not be decoded
	ErrRowDecode = errors.New("row decode failure")
	// ErrEncoding indicates a code-page decoding failure
	ErrEncoding = errors.New("encoding failure")
	// ErrSQLite indicates a SQLite open or write failure
	ErrSQLite = errors.New("sqlite failure")
	// ErrDiskFull indicates a non-recoverable write failure
	ErrDiskFull = errors.New("disk full")
	// ErrMemoryExceeded indicates the memory limit was exceeded after remediation
	ErrMemoryExceeded = errors.New("memory limit exceeded")
	// ErrCancelled indicates cooperative cancellation
	ErrCancelled = errors.New("cancelled")
)

// HeaderError represents a fatal problem with a source file header.
type HeaderError struct {
	Path    string // Source file path
	Message string // What was wrong
	Err     error  // Underlying error, if any
}

func (e *HeaderError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid header in %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("invalid header: %s", e.Message)
}

func (e *HeaderError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidHeader
}

// PageError represents a non-fatal problem with a single page.
type PageError struct {
	PageRef uint32 // Byte offset of the page in the source file
	Reason  string // Why the page was rejected
	Err     error  // Underlying error, if any
}

func (e *PageError) Error() string {
	return fmt.Sprintf("corrupt page at 0x%X: %s", e.PageRef, e.Reason)
}

func (e *PageError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrCorruptPage
}

// DefError represents a table definition parse failure.
type DefError struct {
	Table   uint8  // Table number
	Message string // Error details
	Err     error  // Underlying error, if any
}

func (e *DefError) Error() string {
	return fmt.Sprintf("table %d definition: %s", e.Table, e.Message)
}

func (e *DefError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrTableDefParse
}

// RowError represents a single-record decode failure. Raw carries the
// undecodable payload so callers can preserve it.
type RowError struct {
	Table  uint8  // Table number
	Record uint32 // Record number
	Field  string // Field being decoded when the failure occurred
	Raw    []byte // Raw record payload
	Err    error  // Underlying error
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("table %d record %d field %s: %v", e.Table, e.Record, e.Field, e.Err)
	}
	return fmt.Sprintf("table %d record %d: %v", e.Table, e.Record, e.Err)
}

func (e *RowError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrRowDecode
}

// WriteError represents a SQLite write failure scoped to one table.
type WriteError struct {
	Table string // Projected (prefixed) table name
	Err   error  // Underlying error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrSQLite
}

// Helper functions for creating common errors

// NewHeader creates a HeaderError
func NewHeader(path, message string) *HeaderError {
	return &HeaderError{Path: path, Message: message}
}

// NewPage creates a PageError
func NewPage(pageRef uint32, reason string) *PageError {
	return &PageError{PageRef: pageRef, Reason: reason}
}

// NewDef creates a DefError
func NewDef(table uint8, message string) *DefError {
	return &DefError{Table: table, Message: message}
}

// NewRow creates a RowError
func NewRow(table uint8, record uint32, field string, raw []byte, err error) *RowError {
	return &RowError{Table: table, Record: record, Field: field, Raw: raw, Err: err}
}

// NewWrite creates a WriteError
func NewWrite(table string, err error) *WriteError {
	return &WriteError{Table: table, Err: err}
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
