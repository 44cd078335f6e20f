package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-sre/tarsy/pkg/services"
)

// abortWithError writes a JSON error envelope and marks the gin context as
// handled. Callers must `return` immediately after calling this.
func abortWithError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// abortWithServiceError maps a service-layer error to the right HTTP status
// and writes a JSON error envelope. Callers must `return` immediately after.
func abortWithServiceError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		abortWithError(c, http.StatusBadRequest, validErr.Error())
		return
	}
	if errors.Is(err, services.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, "resource not found")
		return
	}
	if errors.Is(err, services.ErrNotCancellable) {
		abortWithError(c, http.StatusConflict, "session is not in a cancellable state")
		return
	}
	if errors.Is(err, services.ErrNotResumable) {
		abortWithError(c, http.StatusConflict, "session is not in a resumable state")
		return
	}
	if errors.Is(err, services.ErrNotPausable) {
		abortWithError(c, http.StatusConflict, "session is not in a pausable state")
		return
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		abortWithError(c, http.StatusConflict, "resource already exists")
		return
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	abortWithError(c, http.StatusInternalServerError, "internal server error")
}
