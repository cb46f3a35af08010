package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/pkg/logger"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultSendBuffer   = 64
)

// wireFrame 下行帧的线上格式，JSON负载原样嵌入，其他负载按 base64 放在 data
type wireFrame struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  string          `json:"priority"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// encodeFrame 编码下行帧
func encodeFrame(f model.Frame) ([]byte, error) {
	wf := wireFrame{
		ID:        f.MessageID,
		Type:      f.Type.String(),
		Priority:  f.Priority.String(),
		CreatedAt: f.CreatedAt,
	}
	if len(f.Payload) > 0 {
		if json.Valid(f.Payload) {
			wf.Payload = f.Payload
		} else {
			wf.Data = f.Payload
		}
	}
	return json.Marshal(wf)
}

// writeRequest 写请求，result 收到写结果
type writeRequest struct {
	data   []byte
	result chan error
}

// session 一个WebSocket连接的发送端，写操作由单独的协程串行执行
type session struct {
	id        string
	userID    string
	conn      *websocket.Conn
	out       chan writeRequest
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close(code int, text string, timeout time.Duration) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, text)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
		_ = s.conn.Close()
	})
}

// WSTransport 基于 gorilla/websocket 的传输层，同时负责心跳探测
type WSTransport struct {
	sessions     sync.Map // connectionID -> *session
	writeTimeout time.Duration
	buffer       int
	log          logger.Logger
}

// NewWSTransport 创建传输层
func NewWSTransport(writeTimeout time.Duration, buffer int, log logger.Logger) *WSTransport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &WSTransport{
		writeTimeout: writeTimeout,
		buffer:       buffer,
		log:          log,
	}
}

// Attach 登记连接并启动写协程
func (t *WSTransport) Attach(connectionID, userID string, conn *websocket.Conn) error {
	s := &session{
		id:     connectionID,
		userID: userID,
		conn:   conn,
		out:    make(chan writeRequest, t.buffer),
		done:   make(chan struct{}),
	}
	if _, loaded := t.sessions.LoadOrStore(connectionID, s); loaded {
		return fmt.Errorf("%w: %s", model.ErrDuplicateConnection, connectionID)
	}
	go t.writeLoop(s)
	return nil
}

// Detach 移除连接并关闭底层socket
func (t *WSTransport) Detach(connectionID string, code int, text string) {
	if v, ok := t.sessions.LoadAndDelete(connectionID); ok {
		v.(*session).close(code, text, t.writeTimeout)
	}
}

// Sessions 当前持有的连接数
func (t *WSTransport) Sessions() int {
	n := 0
	t.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (t *WSTransport) writeLoop(s *session) {
	for {
		select {
		case req := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, req.data)
			req.result <- err
			if err != nil {
				t.log.Warn(context.Background(), "WebSocket write failed",
					logger.F("connectionID", s.id),
					logger.F("userID", s.userID),
					logger.F("error", err))
			}
		case <-s.done:
			return
		}
	}
}

// Send 实现 dispatcher.Transport，等待写入完成或 ctx 结束
func (t *WSTransport) Send(ctx context.Context, connectionID string, frame model.Frame) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", model.ErrSendRejected, err)
	}
	return t.write(ctx, connectionID, data)
}

// write 把数据交给连接的写协程并等待结果
func (t *WSTransport) write(ctx context.Context, connectionID string, data []byte) error {
	v, ok := t.sessions.Load(connectionID)
	if !ok {
		return fmt.Errorf("%w: no socket for connection %s", model.ErrSendRejected, connectionID)
	}
	s := v.(*session)

	req := writeRequest{data: data, result: make(chan error, 1)}
	select {
	case s.out <- req:
	case <-s.done:
		return fmt.Errorf("%w: connection %s closed", model.ErrSendRejected, connectionID)
	case <-ctx.Done():
		return sendCtxErr(ctx)
	}

	select {
	case err := <-req.result:
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrSendRejected, err)
		}
		return nil
	case <-s.done:
		return fmt.Errorf("%w: connection %s closed", model.ErrSendRejected, connectionID)
	case <-ctx.Done():
		return sendCtxErr(ctx)
	}
}

func sendCtxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.ErrSendTimeout
	}
	return ctx.Err()
}

// Ping 实现 heartbeat.Prober，发送 WebSocket ping 控制帧
func (t *WSTransport) Ping(ctx context.Context, connectionID string) error {
	v, ok := t.sessions.Load(connectionID)
	if !ok {
		return fmt.Errorf("%w: no socket for connection %s", model.ErrNotFound, connectionID)
	}
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return v.(*session).conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// OnConnect 实现 registry.Listener
func (t *WSTransport) OnConnect(model.ConnectionEvent) {}

// OnDisconnect 实现 registry.Listener，服务端发起的断开需要关闭socket
func (t *WSTransport) OnDisconnect(ev model.ConnectionEvent) {
	switch ev.Reason {
	case model.ReasonClientDisconnect:
		return
	case model.ReasonShutdown:
		t.Detach(ev.ConnectionID, websocket.CloseGoingAway, string(ev.Reason))
	case model.ReasonTimeout:
		t.Detach(ev.ConnectionID, websocket.CloseNormalClosure, string(ev.Reason))
	default:
		t.Detach(ev.ConnectionID, websocket.ClosePolicyViolation, string(ev.Reason))
	}
}
