// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cargolink/internal/modules/dispatch"
	"cargolink/internal/modules/tracking"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID ensures IDs are hex and at most 32 chars (matches the ID
// generator).
func isValidID(v string) bool {
	if v == "" || len(v) > 32 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') {
			continue
		}
		return false
	}
	return true
}

// proposalStatus reads the proposal status label off a transition result.
// Some resolver outcomes (closing an unmatched request) carry no proposal row.
func proposalStatus(res *dispatch.TransitionResult) string {
	if res == nil || res.Proposal == nil {
		return ""
	}
	return res.Proposal.Status.String()
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeDispatchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispatch.ErrBadRequest), errors.Is(err, tracking.ErrBadPoint):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNotAllowed):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, dispatch.ErrInvalidState), errors.Is(err, dispatch.ErrConflict), errors.Is(err, dispatch.ErrAlreadyProcessed):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}
