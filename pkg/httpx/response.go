package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StatusCoder 携带HTTP状态码的错误
type StatusCoder interface {
	StatusCode() int
}

// Error 带状态码和错误类型的接口错误
type Error struct {
	Status int
	Kind   string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return http.StatusText(e.Status)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode 实现 StatusCoder
func (e *Error) StatusCode() int { return e.Status }

// NewError 构造接口错误
func NewError(status int, kind string, err error) *Error {
	return &Error{Status: status, Kind: kind, Err: err}
}

// ErrorBody 错误响应体
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusOf 从错误链中取状态码，未携带时为 400
func StatusOf(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusBadRequest
}

// WriteObject 成功时写 200 和 obj，失败时写错误响应
func WriteObject(c *gin.Context, obj interface{}, err error) {
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj)
}

// WriteError 写错误响应
func WriteError(c *gin.Context, err error) {
	body := ErrorBody{Error: err.Error()}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		body.Kind = apiErr.Kind
	}
	c.AbortWithStatusJSON(StatusOf(err), body)
}
