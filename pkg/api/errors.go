package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/glacier/pkg/regerr"
)

// statusFor maps a regerr.Kind to its HTTP status. An
// error that isn't a regerr.Error at all (a programming bug or an
// unclassified lower-layer failure) maps to 500, never leaking its text
// to the client.
func statusFor(err error) int {
	switch regerr.KindOf(err) {
	case regerr.NotFound:
		return http.StatusNotFound
	case regerr.Duplicate:
		return http.StatusConflict
	case regerr.Invalid, regerr.InvalidSortKey, regerr.InvalidFilterRangeValue, regerr.BadRequest:
		return http.StatusBadRequest
	case regerr.Forbidden, regerr.ForbiddenPublicImage, regerr.ProtectedImageDelete:
		return http.StatusForbidden
	case regerr.NotAuthorized:
		return http.StatusUnauthorized
	case regerr.ClientConnectionError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps err to a status code and a small JSON body. Messages
// on regerr.Error are already written to be client-safe; anything
// else is replaced with a generic message so internal details never
// reach a caller.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if regerr.KindOf(err) == "" {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message, Kind: string(regerr.KindOf(err))})
}
