package model

import (
	"context"
	"errors"
)

// ErrorKind 错误类型，用于结果结构体中向调用方描述失败原因
type ErrorKind string

const (
	ErrKindNone                ErrorKind = ""
	ErrKindDuplicateConnection ErrorKind = "DuplicateConnection"
	ErrKindNotFound            ErrorKind = "NotFound"
	ErrKindNoActiveConnection  ErrorKind = "NoActiveConnection"
	ErrKindQueueFull           ErrorKind = "QueueFull"
	ErrKindSendTimeout         ErrorKind = "SendTimeout"
	ErrKindSendRejected        ErrorKind = "SendRejected"
	ErrKindExpired             ErrorKind = "Expired"
	ErrKindRetryExhausted      ErrorKind = "RetryExhausted"
	ErrKindCancelled           ErrorKind = "Cancelled"
	ErrKindInvalid             ErrorKind = "Invalid"
	ErrKindInternal            ErrorKind = "Internal"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrNotFound            = errors.New("not found")
	ErrNoActiveConnection  = errors.New("user has no active connection")
	ErrQueueFull           = errors.New("retry queue is full")
	ErrSendTimeout         = errors.New("transport send timed out")
	ErrSendRejected        = errors.New("transport rejected send")
	ErrExpired             = errors.New("envelope expired")
	ErrRetryExhausted      = errors.New("retries exhausted")
	ErrCancelled           = errors.New("envelope cancelled")
	ErrInvalidEnvelope     = errors.New("invalid envelope")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInvalidTransition   = errors.New("invalid status transition")
)

// KindOf 将错误映射为ErrorKind，支持被包装的错误
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrKindNone
	case errors.Is(err, ErrDuplicateConnection):
		return ErrKindDuplicateConnection
	case errors.Is(err, ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, ErrNoActiveConnection):
		return ErrKindNoActiveConnection
	case errors.Is(err, ErrQueueFull):
		return ErrKindQueueFull
	case errors.Is(err, ErrSendTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrKindSendTimeout
	case errors.Is(err, ErrSendRejected):
		return ErrKindSendRejected
	case errors.Is(err, ErrExpired):
		return ErrKindExpired
	case errors.Is(err, ErrRetryExhausted):
		return ErrKindRetryExhausted
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrKindCancelled
	case errors.Is(err, ErrInvalidEnvelope), errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrInvalidTransition):
		return ErrKindInvalid
	default:
		return ErrKindInternal
	}
}

// IsTransportFailure 是否为传输层失败（需要进入重试流程）
func (k ErrorKind) IsTransportFailure() bool {
	return k == ErrKindSendTimeout || k == ErrKindSendRejected
}
