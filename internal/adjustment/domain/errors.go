package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotAuthenticated       = errors.New("not_authenticated")
	ErrNotAuthorized          = errors.New("not_authorized")
	ErrNotFound               = errors.New("not_found")
	ErrInvalidState           = errors.New("invalid_state")
	ErrValidationFailed       = errors.New("validation_failed")
	ErrPersistenceFailed      = errors.New("persistence_failed")
	ErrConcurrentModification = errors.New("concurrent_modification")
)

var (
	ErrReportNotFound      = fmt.Errorf("%w: report", ErrNotFound)
	ErrItemNotFound        = fmt.Errorf("%w: item", ErrNotFound)
	ErrBrokerNotFound      = fmt.Errorf("%w: broker", ErrNotFound)
	ErrReportNotPending    = fmt.Errorf("%w: report is not pending", ErrInvalidState)
	ErrReportNotApproved   = fmt.Errorf("%w: report is not approved", ErrInvalidState)
	ErrEmptyItems          = fmt.Errorf("%w: no items", ErrValidationFailed)
	ErrItemAlreadyBooked   = fmt.Errorf("%w: item already belongs to a live report", ErrValidationFailed)
	ErrMissingBroker       = fmt.Errorf("%w: owning broker could not be resolved", ErrValidationFailed)
	ErrInvalidPaymentMode  = fmt.Errorf("%w: invalid payment mode", ErrValidationFailed)
	ErrUnifyTooFew         = fmt.Errorf("%w: unify needs at least two reports", ErrValidationFailed)
	ErrUnifyMixedBrokers   = fmt.Errorf("%w: reports belong to different brokers", ErrValidationFailed)
	ErrInvalidOverride     = fmt.Errorf("%w: override percent must be within [0, 1]", ErrValidationFailed)
	ErrItemNotInReport     = fmt.Errorf("%w: item is not a member of the report", ErrValidationFailed)
	ErrDuplicateItemInEdit = fmt.Errorf("%w: item listed for both add and remove", ErrValidationFailed)
)

// Persistence wraps a store error so callers can match ErrPersistenceFailed.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistenceFailed, op, err)
}
