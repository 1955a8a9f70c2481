package httptransport

import (
	"aidstock/pkg/domain"
	"encoding/json"
	"errors"
	"net/http"
)

// errorBody is the JSON envelope for every failed request. The limiting
// values are included so clients can explain a rejection without logs.
type errorBody struct {
	Error     domain.ErrorCode `json:"error"`
	Message   string           `json:"message"`
	Entity    string           `json:"entity,omitempty"`
	EntityID  string           `json:"entity_id,omitempty"`
	Requested *int             `json:"requested,omitempty"`
	Available *int             `json:"available,omitempty"`
}

func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidQuantity, domain.CodeInvalidCapacity, domain.CodeInvalidRange, domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeNoActiveVisit, domain.CodeAidInUse, domain.CodeTransactionConflict:
		return http.StatusConflict
	case domain.CodeNoDeposit, domain.CodeIncompatibleStorage, domain.CodeInsufficientStock,
		domain.CodeCapacityExceeded, domain.CodeNegativeStock:
		return http.StatusUnprocessableEntity
	case domain.CodeTransactionTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	if code == "" {
		code = domain.CodeInternal
	}
	body := errorBody{Error: code, Message: err.Error()}
	var de *domain.Error
	if errors.As(err, &de) {
		body.Entity = string(de.Entity)
		body.EntityID = de.EntityID
		if de.Requested != 0 || de.Available != 0 {
			requested, available := de.Requested, de.Available
			body.Requested, body.Available = &requested, &available
		}
	}
	if code == domain.CodeInternal {
		body.Message = "internal error"
	}
	writeJSON(w, statusFor(code), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: domain.CodeInvalidInput, Message: msg})
}
