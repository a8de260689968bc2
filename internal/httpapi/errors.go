package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"kasirinaja/settlement/internal/domain"
)

var kindStatus = map[domain.ErrorKind]int{
	domain.KindInvalidRequest:       http.StatusBadRequest,
	domain.KindLineNotFound:         http.StatusBadRequest,
	domain.KindInvalidQuantity:      http.StatusUnprocessableEntity,
	domain.KindInvalidDiscount:      http.StatusUnprocessableEntity,
	domain.KindInvalidTenderAmount:  http.StatusUnprocessableEntity,
	domain.KindMissingReference:     http.StatusUnprocessableEntity,
	domain.KindUnknownPaymentMethod: http.StatusUnprocessableEntity,
	domain.KindPaymentIncomplete:    http.StatusPaymentRequired,
	domain.KindInsufficientStock:    http.StatusConflict,
	domain.KindInvalidTransition:    http.StatusConflict,
	domain.KindDuplicateRequest:     http.StatusConflict,
	domain.KindLockTimeout:          http.StatusServiceUnavailable,
	domain.KindNotFound:             http.StatusNotFound,
	domain.KindForbidden:            http.StatusForbidden,
	domain.KindSettlementFailed:     http.StatusInternalServerError,
}

// writeDomainError renders a service error. Server-side failures get a
// generic message and are logged with the request id.
func (a *API) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		a.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("unclassified error")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	status, ok := kindStatus[derr.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := map[string]any{
		"error": derr.Error(),
		"code":  derr.Kind.String(),
	}

	switch derr.Kind {
	case domain.KindInsufficientStock:
		body["product_id"] = derr.ProductID
		body["sku"] = derr.SKU
		body["available"] = derr.Available
		body["requested"] = derr.Requested
	case domain.KindPaymentIncomplete:
		body["remaining"] = derr.Remaining.StringFixed(domain.MoneyPlaces)
	case domain.KindLockTimeout:
		w.Header().Set("Retry-After", "1")
	}
	if derr.Retryable() {
		body["retryable"] = true
	}

	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Str("code", derr.Kind.String()).Msg("request failed")
		body["error"] = "settlement failed"
	}
	writeJSON(w, status, body)
}
