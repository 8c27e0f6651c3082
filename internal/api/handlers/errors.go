// Package handlers implements the OpenAI-compatible HTTP surface of the
// relay: chat completions (batch and streaming) and the models listing.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teclab-ai/bitrelay/internal/backend"
	"github.com/teclab-ai/bitrelay/internal/relay"
)

// ErrorDetail is the inner object of the OpenAI-style error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the error envelope returned on every failed request.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// writeError maps an orchestration failure onto the wire envelope. Client
// mistakes answer 400, upstream trouble answers 502, everything else 500.
func writeError(c *gin.Context, err error) {
	var validation *relay.ValidationError
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: validation.Message,
			Type:    "invalid_request_error",
		}})
	case errors.Is(err, backend.ErrUpstreamUnavailable):
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: ErrorDetail{
			Message: err.Error(),
			Type:    "upstream_error",
		}})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{
			Message: err.Error(),
			Type:    "api_error",
		}})
	}
}
