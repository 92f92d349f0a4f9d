package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/rl1809/farmigo/internal/core/domain"
)

type errorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	InventoryID string `json:"inventoryId,omitempty"`
}

var kindStatus = map[string]int{
	"InvalidInput":    http.StatusBadRequest,
	"DuplicateLine":   http.StatusBadRequest,
	"InvalidQuantity": http.StatusBadRequest,
	"Unauthorized":    http.StatusUnauthorized,
	"Forbidden":       http.StatusForbidden,
	"NotFound":        http.StatusNotFound,
	"OutOfStock":      http.StatusConflict,
	"Unavailable":     http.StatusConflict,
	"Conflict":        http.StatusConflict,
	"Timeout":         http.StatusGatewayTimeout,
	"StorageFailure":  http.StatusServiceUnavailable,
}

func statusOf(kind string) int {
	if s, ok := kindStatus[kind]; ok {
		return s
	}
	return http.StatusServiceUnavailable
}

// writeError renders err as the stable failure body. Storage failures keep
// their detail in the log only.
func writeError(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	status := statusOf(kind)

	resp := errorResponse{Error: kind, Message: err.Error()}
	if id, ok := domain.LineOf(err); ok {
		resp.InventoryID = id
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		resp.Message = "service temporarily unavailable"
	}
	c.AbortWithStatusJSON(status, resp)
}

func invalidInput(err error) error {
	return errors.Wrap(domain.ErrInvalidInput, err.Error())
}
