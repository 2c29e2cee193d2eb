package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	appErrors "github.com/charlesng35/boardroom/pkg/errors"
)

// Response defines the base API payload.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo holds error details to send to clients.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// Error writes a JSON error response derived from an AppError.
func Error(c *gin.Context, err error) {
	c.JSON(statusFor(err), Response{
		Success: false,
		Error:   Info(err),
	})
}

// Info converts an error into the client-facing code/message pair without leaking internals.
func Info(err error) *ErrorInfo {
	if err == nil {
		err = appErrors.ErrInternalServer
	}
	appErr := appErrors.FromError(err)
	return &ErrorInfo{
		Code:    appErr.Code,
		Message: appErr.Message,
	}
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	status := appErrors.FromError(err).StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status
}
