package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/hazyhaar/tagflow/dbopen"
	"github.com/hazyhaar/tagflow/horosafe"
	"github.com/hazyhaar/tagflow/sheet"
	"github.com/hazyhaar/tagflow/store"
)

// The error taxonomy every operation reports through. Callers test with
// errors.Is; the wrapped cause stays reachable.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrency conflict")
	ErrPersistence  = errors.New("persistence failure")
	ErrArtifact     = errors.New("artifact generation failure")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// classify tags err with its taxonomy class. Errors already classified are
// returned unchanged; anything unrecognised is a persistence failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrInvalidInput, ErrNotFound, ErrConflict, ErrPersistence, ErrArtifact} {
		if errors.Is(err, known) {
			return err
		}
	}
	var class error
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNoMatchingRows):
		class = ErrNotFound
	case errors.Is(err, store.ErrInvalidOwner), errors.Is(err, store.ErrInvalidStatus),
		errors.Is(err, sheet.ErrInvalidFormat), errors.Is(err, sheet.ErrMissingColumn),
		errors.Is(err, horosafe.ErrPathTraversal), errors.Is(err, horosafe.ErrTooLarge):
		class = ErrInvalidInput
	case errors.Is(err, dbopen.ErrConflict):
		class = ErrConflict
	default:
		class = ErrPersistence
	}
	return fmt.Errorf("%w: %w", class, err)
}

// HTTPStatus maps a classified error onto a response code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to a client. Persistence
// details stay in the logs.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrArtifact):
		return "rows were saved but the merged file could not be generated; the file is not yet downloadable, retry the request"
	case errors.Is(err, ErrPersistence):
		return "internal error"
	default:
		return err.Error()
	}
}
