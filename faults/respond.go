package faults

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusCancelled mirrors the nginx convention for client-closed requests.
const statusCancelled = 499

var httpStatus = map[string]int{
	CodeInvalidInput:     http.StatusBadRequest,
	CodeUnauthorized:     http.StatusUnauthorized,
	CodeForbidden:        http.StatusForbidden,
	CodeNotFound:         http.StatusNotFound,
	CodeConflict:         http.StatusConflict,
	CodeUnavailable:      http.StatusServiceUnavailable,
	CodeCancelled:        statusCancelled,
	CodeGenerationFailed: http.StatusBadGateway,
	CodeIngestionPartial: http.StatusMultiStatus,
	CodeInternal:         http.StatusInternalServerError,
}

// HTTPStatus maps a condition code to its HTTP status. Absorbed codes
// (retrieval_degraded, crawl_stuck) are never written to a response; if
// one leaks here it is treated as internal.
func HTTPStatus(code string) int {
	if s, ok := httpStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Respond writes the typed error payload for err and aborts the request.
func Respond(c *gin.Context, err error) {
	code := CodeOf(err)
	c.AbortWithStatusJSON(HTTPStatus(code), gin.H{
		"error": UserMessage(err),
		"code":  code,
	})
}
