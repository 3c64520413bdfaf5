package api

import (
	"encoding/json"
	"net/http"

	"parkwise/internal/domain"
)

// reconcileHeader names the lot whose counters lag behind a committed write.
const reconcileHeader = "X-Reconcile-Pending"

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindPermissionDenied:
		return http.StatusForbidden
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeResult answers a mutation. A ReconcileError means the write
// committed, so the payload is still returned with a marker header.
func writeResult(w http.ResponseWriter, okStatus int, payload any, err error) {
	if re, ok := domain.AsReconcileError(err); ok {
		w.Header().Set(reconcileHeader, re.LotID)
	} else if err != nil {
		writeDomainError(w, err)
		return
	}
	if payload == nil {
		w.WriteHeader(okStatus)
		return
	}
	writeJSON(w, okStatus, payload)
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, code, map[string]string{"error": msg, "kind": domain.KindOf(err).String()})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
