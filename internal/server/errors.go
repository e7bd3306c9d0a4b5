package server

import (
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	adjustmentdomain "github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/authorization"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, adjustmentdomain.ErrValidationFailed):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  domainValidationErrors(err),
		}
	case errors.Is(err, adjustmentdomain.ErrNotAuthenticated),
		errors.Is(err, authorization.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, adjustmentdomain.ErrNotAuthorized),
		errors.Is(err, authorization.ErrDenied),
		errors.Is(err, notificationdomain.ErrInvalidAudience):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, adjustmentdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, adjustmentdomain.ErrInvalidState),
		errors.Is(err, adjustmentdomain.ErrConcurrentModification):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the error type and code attached to request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if vErr := asValidationErrors(err); vErr != nil {
		code := ""
		if len(vErr.Errors) > 0 {
			code = vErr.Errors[0].Code
		}
		return "validation_error", code
	}

	switch {
	case errors.Is(err, adjustmentdomain.ErrValidationFailed):
		return "validation_error", domainValidationErrors(err)[0].Code
	case errors.Is(err, adjustmentdomain.ErrConcurrentModification):
		return "conflict", "concurrent_modification"
	case errors.Is(err, adjustmentdomain.ErrInvalidState):
		return "conflict", "invalid_state"
	case errors.Is(err, adjustmentdomain.ErrPersistenceFailed):
		return "internal_error", "persistence_failed"
	}

	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return payload.Type, "unexpected"
	}
	return payload.Type, payload.Type
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

var domainValidationCodes = []struct {
	err   error
	field string
	code  string
}{
	{adjustmentdomain.ErrEmptyItems, "item_ids", "empty_items"},
	{adjustmentdomain.ErrItemAlreadyBooked, "item_ids", "item_already_booked"},
	{adjustmentdomain.ErrMissingBroker, "target_broker_id", "missing_broker"},
	{adjustmentdomain.ErrInvalidPaymentMode, "payment_mode", "invalid_payment_mode"},
	{adjustmentdomain.ErrUnifyTooFew, "report_ids", "unify_too_few"},
	{adjustmentdomain.ErrUnifyMixedBrokers, "report_ids", "mixed_brokers"},
	{adjustmentdomain.ErrInvalidOverride, "override_percent", "invalid_override"},
	{adjustmentdomain.ErrItemNotInReport, "remove", "item_not_in_report"},
	{adjustmentdomain.ErrDuplicateItemInEdit, "add", "duplicate_item"},
}

func domainValidationErrors(err error) []ValidationError {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		out := make([]ValidationError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			out = append(out, ValidationError{
				Field:   snakeCase(fe.Field()),
				Code:    "invalid_" + fe.Tag(),
				Message: "failed on " + fe.Tag(),
			})
		}
		return out
	}

	for _, known := range domainValidationCodes {
		if errors.Is(err, known.err) {
			return []ValidationError{{
				Field:   known.field,
				Code:    known.code,
				Message: validationMessage(known.err),
			}}
		}
	}

	return []ValidationError{{
		Field:   "request",
		Code:    "validation_failed",
		Message: validationMessage(err),
	}}
}

func validationMessage(err error) string {
	msg := err.Error()
	prefix := adjustmentdomain.ErrValidationFailed.Error() + ": "
	if idx := strings.Index(msg, prefix); idx >= 0 {
		msg = msg[idx+len(prefix):]
	}
	return msg
}

func conflictMessage(err error) string {
	if errors.Is(err, adjustmentdomain.ErrConcurrentModification) {
		return "report was modified concurrently, retry"
	}
	if errors.Is(err, adjustmentdomain.ErrReportNotPending) {
		return "report is not pending"
	}
	if errors.Is(err, adjustmentdomain.ErrReportNotApproved) {
		return "report is not approved"
	}
	return "conflict"
}

// snakeCase turns a Go field name like ItemIDs into item_ids.
func snakeCase(name string) string {
	runes := []rune(strings.ReplaceAll(name, "IDs", "Ids"))
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1]) && i > 0 && unicode.IsUpper(runes[i-1])
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
