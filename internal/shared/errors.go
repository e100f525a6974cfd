package shared

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var ErrNotFound = errors.New("not found")

// Codes reported to gateway clients in server.error messages.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeBadJSON          = "BAD_JSON"
	CodeBadMessage       = "BAD_MESSAGE"
	CodeBadSession       = "BAD_SESSION"
	CodeBadFrame         = "BAD_FRAME"
	CodeASRError         = "ASR_ERROR"
	CodeASRConnectFailed = "ASR_CONNECT_FAILED"
	CodeTTSError         = "TTS_ERROR"
	CodeCaptureFailed    = "CAPTURE_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}
