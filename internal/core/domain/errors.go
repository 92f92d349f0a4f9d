package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrUnavailable    = errors.New("listing unavailable")
	ErrOutOfStock     = errors.New("insufficient stock")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrTimeout        = errors.New("timeout")
	ErrStorageFailure = errors.New("storage failure")

	// ErrDuplicateLine and ErrInvalidQuantity are both InvalidInput.
	ErrDuplicateLine   = errors.Wrap(ErrInvalidInput, "duplicate line")
	ErrInvalidQuantity = errors.Wrap(ErrInvalidInput, "invalid quantity")
)

// LineError ties a failure to the inventory row that caused it.
type LineError struct {
	InventoryID string
	Err         error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("inventory %s: %v", e.InventoryID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

func NewLineError(inventoryID string, err error) error {
	return &LineError{InventoryID: inventoryID, Err: err}
}

// LineOf returns the inventory id carried by err, if any.
func LineOf(err error) (string, bool) {
	var le *LineError
	if errors.As(err, &le) {
		return le.InventoryID, true
	}
	return "", false
}

// KindOf maps an error to the stable name clients render.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateLine):
		return "DuplicateLine"
	case errors.Is(err, ErrInvalidQuantity):
		return "InvalidQuantity"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrUnavailable):
		return "Unavailable"
	case errors.Is(err, ErrOutOfStock):
		return "OutOfStock"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	default:
		return "StorageFailure"
	}
}

// TransientError marks a storage failure that left no side effect behind,
// so the operation may be attempted again.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
