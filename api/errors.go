package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/digitorus/signserver/guard"
	"github.com/digitorus/signserver/signing"
)

// ErrQuotaExceeded is returned by a Quota when the owner has no credit
// left for an operation.
var ErrQuotaExceeded = errors.New("quota exceeded")

var kindStatus = map[signing.Kind]int{
	signing.InvalidInput:         http.StatusBadRequest,
	signing.Forbidden:            http.StatusForbidden,
	signing.NotFound:             http.StatusNotFound,
	signing.UnsupportedOperation: http.StatusUnprocessableEntity,
	signing.CryptoFailure:        http.StatusUnprocessableEntity,
	signing.TsaUnavailable:       http.StatusServiceUnavailable,
	signing.StorageFailure:       http.StatusInternalServerError,
	signing.Internal:             http.StatusInternalServerError,
}

// statusOf maps an operation error to its HTTP status and error kind.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, guard.ErrTooLarge) || isMaxBytesError(err):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_exceeded"
	}

	kind := signing.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, kind.String()
}

// abort writes the error response for err. Server side failures are
// logged and their details are not returned to the client.
func (s *Server) abort(c *gin.Context, err error) {
	status, kind := statusOf(err)
	requestID := GetRequestID(c)

	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.log.Error().Err(err).Str("request_id", requestID).Str("path", c.Request.URL.Path).Msg("request failed")
		msg = "internal server error"
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      msg,
		"kind":       kind,
		"request_id": requestID,
	})
}
