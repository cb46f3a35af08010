package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"snippet-notify/apps/notify-service/model"
	"snippet-notify/apps/notify-service/service"
	"snippet-notify/pkg/httpx"
	"snippet-notify/pkg/logger"
	"snippet-notify/pkg/middleware"
)

// 上行消息动作
const (
	actionPing  = "ping"
	actionPong  = "pong"
	actionJoin  = "join"
	actionLeave = "leave"
	actionAck   = "ack"
)

// clientMessage 客户端上行消息
type clientMessage struct {
	Action    string `json:"action"`
	Group     string `json:"group,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// serverReply 对上行消息的应答
type serverReply struct {
	Action string `json:"action"`
	Group  string `json:"group,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// defaultHandshakeTimeout 未配置握手超时时使用，升级握手不允许无限等待
const defaultHandshakeTimeout = 10 * time.Second

// WSHandler WebSocket协议处理器
type WSHandler struct {
	svc       *service.Service
	transport *WSTransport
	jwtSecret string
	readLimit int64
	log       logger.Logger
	upgrader  websocket.Upgrader
}

// NewWSHandler 创建WebSocket处理器，handshakeTimeout 为升级握手超时
func NewWSHandler(svc *service.Service, transport *WSTransport, jwtSecret string, readLimit int64, handshakeTimeout time.Duration, log logger.Logger) *WSHandler {
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	return &WSHandler{
		svc:       svc,
		transport: transport,
		jwtSecret: jwtSecret,
		readLimit: readLimit,
		log:       log,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (ws *WSHandler) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws", ws.HandleConnection)
}

// HandleConnection 鉴权、升级并进入读循环
func (ws *WSHandler) HandleConnection(c *gin.Context) {
	ctx := c.Request.Context()

	claims, err := middleware.Authenticate(c.GetHeader("Authorization"), c.Query("token"), ws.jwtSecret)
	if err != nil {
		ws.log.Warn(ctx, "WebSocket handshake rejected", logger.F("clientIP", c.ClientIP()), logger.F("error", err))
		httpx.WriteError(c, httpx.NewError(http.StatusUnauthorized, "unauthorized", err))
		return
	}
	userID := claims.UserID

	conn, err := ws.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ws.log.Error(ctx, "WebSocket upgrade failed", logger.F("userID", userID), logger.F("error", err))
		return
	}

	connID := uuid.NewString()
	if err := ws.transport.Attach(connID, userID, conn); err != nil {
		ws.log.Error(ctx, "Failed to attach socket", logger.F("connectionID", connID), logger.F("error", err))
		_ = conn.Close()
		return
	}

	meta := model.ConnectionMetadata{
		RemoteIP:   c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
		ClientType: c.Query("client"),
	}
	if _, err := ws.svc.Connect(context.Background(), userID, connID, meta); err != nil {
		ws.log.Error(ctx, "Failed to register connection",
			logger.F("connectionID", connID),
			logger.F("userID", userID),
			logger.F("error", err))
		ws.transport.Detach(connID, websocket.CloseTryAgainLater, "registration failed")
		return
	}

	if ws.readLimit > 0 {
		conn.SetReadLimit(ws.readLimit)
	}
	conn.SetPongHandler(func(string) error {
		ws.svc.Touch(connID)
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		ws.svc.Touch(connID)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	reason := ws.readLoop(conn, connID, userID)

	res := ws.svc.Disconnect(context.Background(), connID, reason)
	ws.transport.Detach(connID, websocket.CloseNormalClosure, string(reason))
	ws.log.Info(context.Background(), "WebSocket connection closed",
		logger.F("connectionID", connID),
		logger.F("userID", userID),
		logger.F("reason", reason),
		logger.F("alreadyRemoved", res.NotFound))
}

// readLoop 读取上行消息直到连接断开，返回断开原因
func (ws *WSHandler) readLoop(conn *websocket.Conn, connID, userID string) model.DisconnectReason {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) &&
				(closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway) {
				return model.ReasonClientDisconnect
			}
			ws.log.Debug(context.Background(), "WebSocket read failed",
				logger.F("connectionID", connID),
				logger.F("error", err))
			return model.ReasonTransportError
		}

		ws.svc.Touch(connID)

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.log.Warn(context.Background(), "Invalid WebSocket message",
				logger.F("connectionID", connID),
				logger.F("error", err))
			continue
		}
		if reply, ok := ws.route(connID, userID, msg); ok {
			ws.reply(connID, reply)
		}
	}
}

// route 处理上行消息，返回需要回写的应答
func (ws *WSHandler) route(connID, userID string, msg clientMessage) (serverReply, bool) {
	switch msg.Action {
	case actionPing:
		return serverReply{Action: actionPong, OK: true}, true
	case actionJoin:
		err := ws.svc.AddToGroup(connID, msg.Group)
		return replyFor(actionJoin, msg.Group, err), true
	case actionLeave:
		err := ws.svc.RemoveFromGroup(connID, msg.Group)
		return replyFor(actionLeave, msg.Group, err), true
	case actionAck:
		ws.log.Debug(context.Background(), "Message acknowledged",
			logger.F("connectionID", connID),
			logger.F("userID", userID),
			logger.F("messageID", msg.MessageID))
		return serverReply{}, false
	default:
		ws.log.Warn(context.Background(), "Unknown message action",
			logger.F("connectionID", connID),
			logger.F("action", msg.Action))
		return serverReply{Action: msg.Action, Error: "unknown action"}, true
	}
}

func replyFor(action, group string, err error) serverReply {
	r := serverReply{Action: action, Group: group, OK: err == nil}
	if err != nil {
		r.Error = string(model.KindOf(err))
	}
	return r
}

func (ws *WSHandler) reply(connID string, r serverReply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.transport.writeTimeout)
	defer cancel()
	if err := ws.transport.write(ctx, connID, data); err != nil {
		ws.log.Debug(ctx, "WebSocket reply failed", logger.F("connectionID", connID), logger.F("error", err))
	}
}
