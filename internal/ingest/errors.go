package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sells-group/portal-connector/internal/scrape"
	"github.com/sells-group/portal-connector/pkg/browseruse"
)

// Kind classifies an ingestion failure for callers.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindUpstreamTimeout Kind = "upstream-timeout"
	KindUpstreamFailure Kind = "upstream-failure"
	KindSchemaDecode    Kind = "schema-decode"
	KindStorageFailure  Kind = "storage-failure"
	KindInternal        Kind = "internal"
)

// Status maps the kind to an HTTP status code.
func (k Kind) Status() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamFailure, KindSchemaDecode:
		return http.StatusBadGateway
	case KindStorageFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified ingestion failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting the same request may succeed.
// Resubmission is always safe: stored candidates are skipped.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamTimeout, KindUpstreamFailure, KindStorageFailure:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return KindInternal
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func storageError(op string, err error) *Error {
	return newError(KindStorageFailure, op, err)
}

// scrapeError classifies an orchestrator failure.
func scrapeError(err error) *Error {
	var se *browseruse.SchemaError
	switch {
	case errors.As(err, &se):
		return newError(KindSchemaDecode, "decode task output", err)
	case errors.Is(err, scrape.ErrPollTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return newError(KindUpstreamTimeout, "await task", err)
	default:
		return newError(KindUpstreamFailure, "run task", err)
	}
}
