package logger

import (
	"context"
	"fmt"

	kratoslog "github.com/go-kratos/kratos/v2/log"
)

// missingValueKey 键值对个数为奇数时，末尾孤立键的取值
const missingValueKey = "!MISSING"

// kratosAdapter 把 kratos 的键值对日志转给 Logger，供 lifecycle、server、middleware 使用
type kratosAdapter struct {
	logger Logger
}

// NewKratosLogger 创建Kratos日志适配器
func NewKratosLogger(logger Logger) kratoslog.Logger {
	return &kratosAdapter{logger: logger}
}

// Log 实现 kratoslog.Logger
func (a *kratosAdapter) Log(level kratoslog.Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	msg, fields := splitKeyvals(keyvals)

	ctx := context.Background()
	switch level {
	case kratoslog.LevelDebug:
		a.logger.Debug(ctx, msg, fields...)
	case kratoslog.LevelWarn:
		a.logger.Warn(ctx, msg, fields...)
	case kratoslog.LevelError:
		a.logger.Error(ctx, msg, fields...)
	case kratoslog.LevelFatal:
		a.logger.Fatal(ctx, msg, fields...)
	default:
		a.logger.Info(ctx, msg, fields...)
	}
	return nil
}

// splitKeyvals 取出 msg 键作为消息，其余转为字段；error 值按文本记录
func splitKeyvals(keyvals []interface{}) (string, []Field) {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, missingValueKey)
	}

	var msg string
	fields := make([]Field, 0, len(keyvals)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		value := keyvals[i+1]

		if key == kratoslog.DefaultMessageKey {
			msg = fmt.Sprint(value)
			continue
		}
		if err, ok := value.(error); ok && err != nil {
			value = err.Error()
		}
		fields = append(fields, F(key, value))
	}
	return msg, fields
}

// NewHelper 创建带服务名的Kratos日志助手
func NewHelper(logger Logger, serviceName string) *kratoslog.Helper {
	return kratoslog.NewHelper(kratoslog.With(NewKratosLogger(logger), "service.name", serviceName))
}
