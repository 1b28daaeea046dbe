package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/classbook/backend/internal/access"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/failure"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/classbook/backend/internal/metadata"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// coded is implemented by the ServiceError type of every service package.
type coded interface {
	Code() string
}

type errorResponse struct {
	status   int
	category failure.Category
	message  string
	details  gin.H
}

// categorize maps an error returned by a service to the category and status
// reported to the client.
func categorize(err error) errorResponse {
	if category, ok := failure.Classify(err); ok {
		switch category {
		case failure.CategoryPartialFailure:
			var partial *failure.PartialFailureError
			errors.As(err, &partial)
			message := "upload succeeded but metadata was not saved"
			switch {
			case errors.Is(err, filestore.ErrConflict):
				message = "collection changed while saving, please retry"
			case failure.Unconfirmed(err):
				message = "metadata save could not be confirmed, check the list before retrying"
			}
			return errorResponse{
				status:   http.StatusInternalServerError,
				category: category,
				message:  message,
				details:  gin.H{"objectPath": partial.ObjectPath, "compensated": partial.Compensated},
			}
		case failure.CategoryValidation:
			var validation *failure.ValidationError
			errors.As(err, &validation)
			response := errorResponse{status: http.StatusBadRequest, category: category, message: validation.Error()}
			if validation.Field != "" {
				response.details = gin.H{"field": validation.Field}
			}
			return response
		}
	}

	switch {
	case errors.Is(err, access.ErrMisconfigured):
		return errorResponse{status: http.StatusInternalServerError, category: failure.CategoryMisconfigured, message: "server is not configured for uploads"}
	case errors.Is(err, access.ErrDenied):
		return errorResponse{status: http.StatusUnauthorized, category: failure.CategoryAuth, message: "wrong class password"}
	case errors.Is(err, metadata.ErrEntryNotFound):
		return errorResponse{status: http.StatusNotFound, category: failure.CategoryNotFound, message: "entry not found"}
	case errors.Is(err, filestore.ErrConflict), errors.Is(err, metadata.ErrDuplicateKey):
		return errorResponse{status: http.StatusConflict, category: failure.CategoryConflict, message: "collection changed, please retry"}
	default:
		return errorResponse{status: http.StatusInternalServerError, category: failure.CategoryStore, message: "storage request failed"}
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	response := categorize(err)
	body := gin.H{
		"error":    response.message,
		"category": response.category,
	}
	var serviceErr coded
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	if response.details != nil {
		body["details"] = response.details
	}
	if response.status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("category", string(response.category)),
			zap.Error(err),
		)
	}
	c.JSON(response.status, body)
}

func (h *httpHandler) writeValidation(c *gin.Context, field, message string) {
	h.writeError(c, failure.Invalid(field, message))
}
