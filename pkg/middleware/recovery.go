package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"snippet-notify/pkg/httpx"
	"snippet-notify/pkg/logger"
)

// Recovery 捕获 handler 中的 panic 并返回 500
// 连接已被劫持（WebSocket）时响应头无法再写，只记录日志
func Recovery(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			log.Error(c.Request.Context(), "Panic recovered",
				logger.F("panic", fmt.Sprint(r)),
				logger.F("method", c.Request.Method),
				logger.F("path", c.Request.URL.Path),
				logger.F("stack", string(debug.Stack())))

			if c.Writer.Written() {
				c.Abort()
				return
			}
			httpx.WriteError(c, httpx.NewError(http.StatusInternalServerError, "internal", fmt.Errorf("internal server error")))
		}()

		c.Next()
	}
}
