package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/orderhub/internal/domain"
)

// Коды ошибок в поле error ответа.
const (
	CodeInvalidJSON         = "invalid_json"
	CodeValidationFailed    = "validation_failed"
	CodeNotFound            = "not_found"
	CodeInsufficientStock   = "insufficient_stock"
	CodeIdempotencyConflict = "idempotency_conflict"
	CodeInvalidTransition   = "invalid_transition"
	CodeUnavailable         = "temporarily_unavailable"
	CodeInternal            = "internal"
)

// retryAfterSeconds — подсказка клиенту для повтора после временного сбоя.
const retryAfterSeconds = "1"

// errorStatus сопоставляет доменную ошибку HTTP-статусу и коду.
func errorStatus(err error) (int, string) {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest, CodeValidationFailed
	case domain.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case domain.IsInsufficientStock(err):
		return http.StatusConflict, CodeInsufficientStock
	case domain.IsIdempotencyConflict(err):
		return http.StatusUnprocessableEntity, CodeIdempotencyConflict
	case domain.IsInvalidTransition(err):
		return http.StatusConflict, CodeInvalidTransition
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// errorDetails извлекает машинно-читаемые поля из типизированных ошибок.
func errorDetails(err error) map[string]any {
	var stockErr *domain.InsufficientStockError
	if errors.As(err, &stockErr) {
		return map[string]any{
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		}
	}
	var transitionErr *domain.InvalidTransitionError
	if errors.As(err, &transitionErr) {
		return map[string]any{
			"order_id": transitionErr.OrderID,
			"from":     string(transitionErr.From),
			"to":       string(transitionErr.To),
		}
	}
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) && validationErr.Field != "" {
		return map[string]any{"field": validationErr.Field}
	}
	return nil
}

func writeDomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}

	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: message,
		Details: errorDetails(err),
	})
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}

// validationMessage превращает ошибки validator в одну строку вида
// "items[0].quantity: must be greater than 0".
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fieldPath(fe.Namespace()), describeTag(fe)))
	}
	return strings.Join(parts, "; ")
}

// fieldPath убирает имя корневой структуры из пространства имён ошибки.
func fieldPath(namespace string) string {
	if idx := strings.Index(namespace, "."); idx >= 0 {
		return namespace[idx+1:]
	}
	return namespace
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		return "must contain at least " + fe.Param() + " element(s)"
	default:
		return "failed " + fe.Tag() + " check"
	}
}
