package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Business codes shared by handlers. The first three digits mirror the HTTP
// status; the rest identify the cause.
const (
	CodeOK             = 0
	CodeReplyPending   = 20201
	CodeInvalidJSON    = 10001
	CodeInvalidInput   = 10002
	CodeInvalidID      = 10004
	CodeUnauthorized   = 40101
	CodeNotFound       = 40401
	CodeRouteNotFound  = 40400
	CodeMethodNotAllow = 40500
	CodeInternal       = 50001
)

func OK(c *gin.Context, data any) {
	Respond(c, http.StatusOK, CodeOK, "ok", data)
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	Respond(c, httpStatus, code, msg, nil)
}

// Respond writes the uniform {code, message, data} envelope.
func Respond(c *gin.Context, httpStatus int, code int, msg string, data any) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    data,
	})
}

// Abort is Fail for middleware: it stops the handler chain.
func Abort(c *gin.Context, httpStatus int, code int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
