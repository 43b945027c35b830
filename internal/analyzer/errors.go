package analyzer

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind classifies an analysis failure.
type ErrorKind string

const (
	// ErrorConnection means the source could not be reached at all.
	ErrorConnection ErrorKind = "CONNECTION"
	// ErrorPermission means the connection lacks catalog read access.
	ErrorPermission ErrorKind = "PERMISSION"
	// ErrorPartial means some objects could not be introspected but the
	// snapshot is still usable; details land in Snapshot.Warnings.
	ErrorPartial ErrorKind = "PARTIAL"
)

// AnalysisError is returned by Analyze. A PARTIAL error accompanies a
// non-nil snapshot so callers can proceed deliberately.
type AnalysisError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *AnalysisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("analysis %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("analysis %s: %s", e.Kind, e.Msg)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// IsPartial reports whether err is a recoverable PARTIAL analysis error.
func IsPartial(err error) bool {
	var ae *AnalysisError
	return errors.As(err, &ae) && ae.Kind == ErrorPartial
}

// classify turns a driver error into CONNECTION or PERMISSION.
// Postgres 28xxx codes cover authentication, 42501 insufficient privilege.
func classify(msg string, err error) *AnalysisError {
	kind := ErrorConnection
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42501":
			kind = ErrorPermission
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "28":
			kind = ErrorPermission
		}
	}
	return &AnalysisError{Kind: kind, Msg: msg, Err: err}
}
