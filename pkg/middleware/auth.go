package middleware

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	kratoslog "github.com/go-kratos/kratos/v2/log"

	"snippet-notify/pkg/auth"
	"snippet-notify/pkg/httpx"
	"snippet-notify/pkg/logger"
)

// gin 上下文中的用户键
const (
	ContextUserID   = "userID"
	ContextUsername = "username"
)

var (
	ErrMissingToken = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid token")
)

// 探活与指标接口始终免认证
var defaultSkipPaths = []string{"/health", "/ready", "/metrics"}

// skipRule 免认证路径规则："/ws/*" 按前缀匹配，中间含 * 时按单段通配，其余精确匹配
type skipRule struct {
	pattern string
	prefix  bool
	glob    bool
}

func newSkipRule(pattern string) skipRule {
	star := strings.Index(pattern, "*")
	switch {
	case star < 0:
		return skipRule{pattern: pattern}
	case star == len(pattern)-1:
		return skipRule{pattern: pattern[:star], prefix: true}
	default:
		return skipRule{pattern: pattern, glob: true}
	}
}

func (r skipRule) match(p string) bool {
	switch {
	case r.prefix:
		return strings.HasPrefix(p, r.pattern)
	case r.glob:
		ok, err := path.Match(r.pattern, p)
		return err == nil && ok
	default:
		return p == r.pattern
	}
}

// AuthMiddleware JWT 认证
type AuthMiddleware struct {
	logger *kratoslog.Helper
	jwtKey string
	skip   []skipRule
}

// NewAuthMiddleware 创建认证中间件，skipPaths 追加在默认免认证路径之后
func NewAuthMiddleware(logger kratoslog.Logger, jwtKey string, skipPaths ...string) *AuthMiddleware {
	am := &AuthMiddleware{
		logger: kratoslog.NewHelper(logger),
		jwtKey: jwtKey,
	}
	for _, p := range append(append([]string(nil), defaultSkipPaths...), skipPaths...) {
		am.skip = append(am.skip, newSkipRule(p))
	}
	return am
}

// GinAuth 校验 token 并把用户写入 gin 与请求上下文
func (am *AuthMiddleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if am.skipped(c.Request.URL.Path) {
			c.Next()
			return
		}

		claims, err := Authenticate(c.GetHeader("Authorization"), c.Query("token"), am.jwtKey)
		if err != nil {
			am.logger.Warnw("msg", "Request rejected", "path", c.Request.URL.Path, "clientIP", c.ClientIP(), "error", err)
			httpx.WriteError(c, httpx.NewError(http.StatusUnauthorized, "unauthorized", err))
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUsername, claims.Username)
		c.Request = c.Request.WithContext(logger.ContextWithUserID(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

func (am *AuthMiddleware) skipped(p string) bool {
	for _, rule := range am.skip {
		if rule.match(p) {
			return true
		}
	}
	return false
}

// Authenticate 提取并校验 token，返回 ErrMissingToken 或 ErrInvalidToken
func Authenticate(authHeader, query, secret string) (*auth.Claims, error) {
	token := ExtractToken(authHeader, query)
	if token == "" {
		return nil, ErrMissingToken
	}
	claims, err := auth.ValidateJWT(token, secret)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractToken 优先取 Authorization 头（可带 Bearer 前缀），浏览器 WebSocket 无法设置头时使用查询参数
func ExtractToken(authHeader, query string) string {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return query
	}
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return authHeader
}
