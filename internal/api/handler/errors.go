package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/iris-serving/internal/api/dto"
	"github.com/cuongbtq/iris-serving/internal/domain"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrModelUnavailable), errors.Is(err, domain.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, message string, err error) {
	c.JSON(statusFor(err), dto.ErrorResponse{
		Error:  message,
		Detail: err.Error(),
	})
}
