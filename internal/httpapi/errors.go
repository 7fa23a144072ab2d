package httpapi

import (
	"errors"
	"net/http"

	"github.com/tracky-pm/engine/internal/apperrors"
)

// writeAppError maps an *apperrors.Error (or any error) to the normalized
// {kind, message, details} response shape, per spec.md §7.
func writeAppError(w http.ResponseWriter, err error) {
	var ae *apperrors.Error
	if !errors.As(err, &ae) {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), nil)
		return
	}
	writeError(w, statusForKind(ae.Kind), string(ae.Kind), ae.Message, ae.Details)
}

func statusForKind(k apperrors.Kind) int {
	switch k {
	case apperrors.ValidationFailure, apperrors.FileFormat, apperrors.DependencyCycle:
		return http.StatusUnprocessableEntity
	case apperrors.ResourceNotFound:
		return http.StatusNotFound
	case apperrors.TokenExpired, apperrors.TokenInvalid, apperrors.TokenRevoked, apperrors.TokenResourceMismatch:
		return http.StatusUnauthorized
	case apperrors.MergeConflict, apperrors.CascadeFailure:
		return http.StatusConflict
	case apperrors.ImportFailure, apperrors.StoreFailure:
		return http.StatusInternalServerError
	case apperrors.ConfigurationError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
