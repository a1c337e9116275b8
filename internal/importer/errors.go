package importer

// Error codes quoted to support staff. Typed errors are classified first;
// anything else falls through to a case-insensitive pattern table where the
// first match wins.
//
// # Validation (VAL001-VAL099)
//
//	VAL001 - Required field: a required cell is empty
//	VAL002 - Invalid number: year, month or edition is not a whole number
//	VAL003 - Out of range: month outside 1-12, edition below 1
//	VAL004 - No course: neither a course code nor a course name with a year
//	VAL005 - Invalid enum: value not in the allowed list
//	VAL006 - Malformed batch: the rows payload is not a list
//
// # Courses (CRS001-CRS099)
//
//	CRS001 - Course not found: explicit course code matched nothing
//	CRS002 - Course name unusable: no letters or digits to build an id from
//
// # Sequences (SEQ001-SEQ099)
//
//	SEQ001 - Concurrent allocation: retries exhausted claiming a code or course id
//
// # Store (DB001-DB099)
//
//	DB001 - Conflict: record already exists
//	DB006 - Not found: no record under the requested id
//	DB002 - Connection refused
//	DB003 - Connection reset
//	DB004 - Timeout
//	DB005 - Deadlock
//	DB010 - Other store failure
//
// # Import (IMP001-IMP099)
//
//	IMP001 - System busy: too many imports in progress
//	IMP002 - Empty file
//	IMP003 - Header not found
//	IMP004 - Invalid CSV
//	IMP005 - File too large
//
// # Default (ERR000)
//
//	ERR000 - Unknown error: check the application log for the original error

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
)

// ErrMalformedBatch rejects a batch before any row is processed.
var ErrMalformedBatch = errors.New("malformed batch: rows must be a list")

// Validation reasons carried by RowValidationError. Each is also a pattern
// in the table below.
const (
	ReasonRequired    = "required field is empty"
	ReasonNumber      = "invalid number"
	ReasonRange       = "out of range"
	ReasonNoCourse    = "no course reference"
	ReasonInvalidEnum = "invalid enum"
)

// RowValidationError reports a missing or malformed cell on one row.
type RowValidationError struct {
	Field  Field
	Value  string
	Reason string
	Detail string
}

func (e *RowValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Field.Label(), e.Reason)
	if e.Value != "" {
		fmt.Fprintf(&b, " (%q)", e.Value)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string
	Action  string
	Code    string
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Validation
	{ReasonRequired, UserMessage{"Required field is empty", "Fill in the missing cell and re-import the row", "VAL001"}},
	{ReasonNumber, UserMessage{"Invalid number", "Use whole numbers for year, month and edition", "VAL002"}},
	{ReasonRange, UserMessage{"Value out of range", "Months run 1-12 and editions start at 1", "VAL003"}},
	{ReasonNoCourse, UserMessage{"Row does not say which course it belongs to", "Add a course code, or a course name and year", "VAL004"}},
	{ReasonInvalidEnum, UserMessage{"Value is not in the allowed list", "Check the allowed values for this field", "VAL005"}},
	{"malformed batch", UserMessage{"Import payload is malformed", "Send rows as a list of header/value objects", "VAL006"}},

	// Store connectivity
	{"connection refused", UserMessage{"Unable to connect to the database", "Please try again in a few moments", "DB002"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB003"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB004"}},
	{"deadline exceeded", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB004"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB005"}},

	// Import
	{"too many imports", UserMessage{"System is busy processing other imports", "Please wait a moment and try again", "IMP001"}},
	{"empty file", UserMessage{"The uploaded file is empty", "Upload a CSV with a header and data rows", "IMP002"}},
	{"header not found", UserMessage{"Could not find the header row", "Make sure the file has a full name column", "IMP003"}},
	{"invalid csv", UserMessage{"File is not a valid CSV", "Save the sheet as comma-separated values", "IMP004"}},
	{"file too large", UserMessage{"File exceeds the maximum size", "Split the file into smaller chunks", "IMP005"}},
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error to a user-friendly message.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var nf *resolver.NotFoundError
	var se *store.Error
	switch {
	case errors.As(err, &nf):
		return UserMessage{"Course not found", "Check the course code, or create the course first", "CRS001"}
	case errors.Is(err, resolver.ErrNoInitials):
		return UserMessage{"Course name cannot be turned into a course code", "Use a course name with letters or digits", "CRS002"}
	case errors.Is(err, sequence.ErrConcurrentAllocation):
		return UserMessage{"Another import claimed the same code", "Re-import this row", "SEQ001"}
	case errors.Is(err, store.ErrConflict):
		return UserMessage{"A record with this id already exists", "Re-import this row", "DB001"}
	case errors.Is(err, store.ErrNotFound):
		return UserMessage{"Record not found", "Check the id and try again", "DB006"}
	}

	if msg, ok := matchPattern(err.Error()); ok {
		return msg
	}
	if errors.As(err, &se) {
		return UserMessage{"The database rejected the change", "Please try again or contact support", "DB010"}
	}
	return defaultMessage
}

func matchPattern(text string) (UserMessage, bool) {
	lower := strings.ToLower(text)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.pattern) {
			return p.msg, true
		}
	}
	return UserMessage{}, false
}

// FormatUserError returns "Message. Action (Code)".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Code == "" {
		return ""
	}
	return fmt.Sprintf("%s. %s (%s)", msg.Message, msg.Action, msg.Code)
}
