package dberr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	sqlite3 "modernc.org/sqlite/lib"
)

// Kind is the coarse classification of a storage failure
type Kind string

const (
	// Transient failures are timing dependent and safe to retry
	Transient Kind = "transient"
	// Structural failures mean the store or its schema cannot be trusted
	Structural Kind = "structural"
	// Fatal failures need an operator (permissions, disk, missing path)
	Fatal Kind = "fatal"
)

// Kinds lists every kind in reporting order
var Kinds = []Kind{Transient, Structural, Fatal}

// Codes give a finer reason within a Kind. They are stable strings used in
// logs and metrics labels.
const (
	CodeBusy       = "busy"
	CodeLocked     = "locked"
	CodeTimeout    = "timeout"
	CodeCanceled   = "canceled"
	CodeCorrupt    = "corrupt"
	CodeNotADB     = "not_a_database"
	CodeIntegrity  = "integrity_check_failed"
	CodeMigration  = "migration_failed"
	CodeSchema     = "schema_mismatch"
	CodeFull       = "disk_full"
	CodePermission = "permission_denied"
	CodeReadOnly   = "read_only"
	CodeNotFound   = "path_not_found"
	CodeCantOpen   = "cannot_open"
	CodeIO         = "io_error"
	CodeConstraint = "constraint"
	CodeUnavail    = "unavailable"
	CodeUnknown    = "unknown"
)

// Sentinel causes that callers inside bastion wrap to force a classification.
var (
	ErrIntegrity = errors.New("integrity check failed")
	ErrMigration = errors.New("migration failed")
	ErrSchema    = errors.New("schema version mismatch")
)

var userMessages = map[Kind]string{
	Transient:  "The game database is busy right now. Please try again in a moment.",
	Structural: "The game database needs maintenance. An administrator has been notified.",
	Fatal:      "The game database is temporarily unavailable. Please try again later.",
}

// ClassifiedError is a storage failure after classification. Error() returns
// the technical description; UserMessage() is the only text that may be shown
// to players.
type ClassifiedError struct {
	Kind Kind
	Code string
	Op   string
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s (%s/%s): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s/%s: %v", e.Kind, e.Code, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// UserMessage returns a short, non-technical message for end users
func (e *ClassifiedError) UserMessage() string {
	return userMessages[e.Kind]
}

// Retryable reports whether the failure may succeed if attempted again
func (e *ClassifiedError) Retryable() bool {
	return e.Kind == Transient
}

// StorageLevel reports whether the failure concerns the store itself rather
// than the caller's unit of work. Only storage level failures should change
// the connection state.
func (e *ClassifiedError) StorageLevel() bool {
	switch e.Code {
	case CodeCorrupt, CodeNotADB, CodeIntegrity, CodeFull, CodePermission,
		CodeReadOnly, CodeNotFound, CodeCantOpen, CodeIO, CodeUnavail:
		return true
	}
	return false
}

// LogRecord returns the full technical record for operator logs
func (e *ClassifiedError) LogRecord() Record {
	r := Record{
		Kind:        e.Kind,
		Code:        e.Code,
		Op:          e.Op,
		UserMessage: e.UserMessage(),
	}
	if e.Err != nil {
		r.Detail = e.Err.Error()
	}
	var coded interface{ Code() int }
	if errors.As(e.Err, &coded) {
		r.EngineCode = coded.Code()
	}
	return r
}

// Record is the operator-facing form of a ClassifiedError
type Record struct {
	Kind        Kind   `json:"kind"`
	Code        string `json:"code"`
	Op          string `json:"op,omitempty"`
	Detail      string `json:"detail"`
	EngineCode  int    `json:"engine_code,omitempty"`
	UserMessage string `json:"user_message"`
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler
func (r Record) MarshalZerologObject(e *zerolog.Event) {
	e.Str("kind", string(r.Kind)).
		Str("code", r.Code).
		Str("detail", r.Detail).
		Str("user_message", r.UserMessage)
	if r.Op != "" {
		e.Str("op", r.Op)
	}
	if r.EngineCode != 0 {
		e.Int("engine_code", r.EngineCode)
	}
}

// Classify maps any error to a ClassifiedError. It returns nil for a nil
// error and returns err unchanged (apart from a missing Op) when it is
// already classified. Unrecognized errors are Fatal so that unknown
// conditions are never retried forever.
func Classify(op string, err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Op == "" && op != "" {
			return &ClassifiedError{Kind: ce.Kind, Code: ce.Code, Op: op, Err: ce.Err}
		}
		return ce
	}
	kind, code := classify(err)
	return &ClassifiedError{Kind: kind, Code: code, Op: op, Err: err}
}

// New builds a ClassifiedError with an explicit kind and code
func New(kind Kind, code, op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Code: code, Op: op, Err: err}
}

// KindOf classifies err and returns its kind. A nil error has no kind.
func KindOf(err error) Kind {
	if ce := Classify("", err); ce != nil {
		return ce.Kind
	}
	return ""
}

// IsTransient reports whether err classifies as Transient
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// UserMessage returns the user-safe message for any error
func UserMessage(err error) string {
	if ce := Classify("", err); ce != nil {
		return ce.UserMessage()
	}
	return ""
}

func classify(err error) (Kind, string) {
	switch {
	case errors.Is(err, ErrIntegrity):
		return Structural, CodeIntegrity
	case errors.Is(err, ErrMigration):
		return Structural, CodeMigration
	case errors.Is(err, ErrSchema):
		return Structural, CodeSchema
	case errors.Is(err, context.DeadlineExceeded):
		return Transient, CodeTimeout
	case errors.Is(err, context.Canceled):
		return Transient, CodeCanceled
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		if kind, code, ok := classifyEngineCode(coded.Code()); ok {
			return kind, code
		}
	}

	switch {
	case errors.Is(err, syscall.ENOSPC):
		return Fatal, CodeFull
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EROFS):
		return Fatal, CodePermission
	case errors.Is(err, fs.ErrNotExist):
		return Fatal, CodeNotFound
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

// classifyEngineCode maps SQLite result codes. Extended codes carry the
// primary code in the low byte.
func classifyEngineCode(code int) (Kind, string, bool) {
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY:
		return Transient, CodeBusy, true
	case sqlite3.SQLITE_LOCKED:
		return Transient, CodeLocked, true
	case sqlite3.SQLITE_CORRUPT:
		return Structural, CodeCorrupt, true
	case sqlite3.SQLITE_NOTADB:
		return Structural, CodeNotADB, true
	case sqlite3.SQLITE_FULL:
		return Fatal, CodeFull, true
	case sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH:
		return Fatal, CodePermission, true
	case sqlite3.SQLITE_READONLY:
		return Fatal, CodeReadOnly, true
	case sqlite3.SQLITE_CANTOPEN:
		return Fatal, CodeCantOpen, true
	case sqlite3.SQLITE_IOERR:
		return Fatal, CodeIO, true
	case sqlite3.SQLITE_CONSTRAINT:
		return Fatal, CodeConstraint, true
	}
	return "", "", false
}

var messageRules = []struct {
	needle string
	kind   Kind
	code   string
}{
	{"database is locked", Transient, CodeBusy},
	{"database table is locked", Transient, CodeLocked},
	{"sqlite_busy", Transient, CodeBusy},
	{"file is not a database", Structural, CodeNotADB},
	{"malformed", Structural, CodeCorrupt},
	{"corrupt", Structural, CodeCorrupt},
	{"integrity check", Structural, CodeIntegrity},
	{"no space left", Fatal, CodeFull},
	{"disk is full", Fatal, CodeFull},
	{"database or disk is full", Fatal, CodeFull},
	{"readonly database", Fatal, CodeReadOnly},
	{"read-only", Fatal, CodeReadOnly},
	{"permission denied", Fatal, CodePermission},
	{"no such file or directory", Fatal, CodeNotFound},
	{"unable to open database file", Fatal, CodeCantOpen},
	{"constraint failed", Fatal, CodeConstraint},
}

func classifyMessage(msg string) (Kind, string) {
	for _, rule := range messageRules {
		if strings.Contains(msg, rule.needle) {
			return rule.kind, rule.code
		}
	}
	return Fatal, CodeUnknown
}
