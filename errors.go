package opal

import (
	"errors"
	"fmt"

	"github.com/opalstore/opal/blobstore"
	"github.com/opalstore/opal/keystore"
	"github.com/opalstore/opal/pipeline"
)

var (
	// ErrNotFound is returned when no object exists at the requested address.
	ErrNotFound = errors.New("object not found")

	// ErrConcurrencyConflict is returned when a conditional write observes a
	// newer version than the caller expected.
	ErrConcurrencyConflict = errors.New("concurrency conflict: object changed since read")

	// ErrRemoteUnavailable is returned when a federated bucket cannot be
	// reached.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrUnknownAlgorithm is returned when a pinned or recorded pipeline
	// algorithm has no registered implementation.
	ErrUnknownAlgorithm = pipeline.ErrUnknownAlgorithm

	// ErrStoreClosed is returned from operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidAddress is returned for an empty bucket or key, or a bucket
	// containing a path separator.
	ErrInvalidAddress = errors.New("invalid object address")
)

// PipelineFault indicates that a compression or encryption stage failed while
// transforming object bytes. It identifies the failing stage and algorithm.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type PipelineFault struct {
	Stage string
	Algo  string
	cause error
}

func (e *PipelineFault) Error() string {
	return fmt.Sprintf("pipeline fault in %s stage (%s): %v", e.Stage, e.Algo, e.cause)
}

func (e *PipelineFault) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Not found unification.
	if errors.Is(err, blobstore.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pf *pipeline.Fault
	if errors.As(err, &pf) {
		return &PipelineFault{Stage: string(pf.Stage), Algo: pf.Algo, cause: err}
	}

	return err
}
