package handlers

import (
	"net/http"

	"github.com/upb/screentime-engine/services"
	"github.com/upb/screentime-engine/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses.
// A denied activity is not an error and never reaches this function.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	var writeErr error

	switch {
	case services.IsPolicyUnavailableError(err), services.IsLedgerWriteError(err), services.IsConcurrentModificationError(err):
		// Fail closed: the caller must not treat this as permission
		logger.Warn("dependency unavailable", zap.Error(err))
		writeErr = utils.WriteServiceUnavailable(w, publicMessage(err), details)

	case services.IsInvalidOverrideError(err):
		writeErr = utils.WriteBadRequest(w, publicMessage(err), details)

	case services.IsNotFoundError(err):
		writeErr = utils.WriteNotFound(w, publicMessage(err))

	case services.IsValidationError(err):
		writeErr = utils.WriteBadRequest(w, publicMessage(err), details)

	case services.IsUnauthorizedError(err):
		writeErr = utils.WriteUnauthorized(w, publicMessage(err))

	case services.IsForbiddenError(err):
		writeErr = utils.WriteForbidden(w, publicMessage(err))

	case services.IsInternalError(err):
		// Log internal errors but return generic message
		logger.Error("internal server error", zap.Error(err))
		writeErr = utils.WriteInternalServerError(w, "An internal error occurred")

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(services.GetErrorType(err))))
		writeErr = utils.WriteInternalServerError(w, "An unexpected error occurred")
	}

	if writeErr != nil {
		logger.Error("failed to write error response", zap.Error(writeErr))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	// Generic validation error
	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}

// publicMessage returns the domain message without wrapped causes
func publicMessage(err error) string {
	if domainErr := services.AsDomainError(err); domainErr != nil {
		return domainErr.Message
	}
	return err.Error()
}
