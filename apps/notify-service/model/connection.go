package model

import "time"

// ConnectionState 连接状态
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateError
	StateTimeout
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// MarshalText 序列化为可读字符串
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ConnectionMetadata 客户端元数据
type ConnectionMetadata struct {
	RemoteIP   string `json:"remote_ip,omitempty" bson:"remote_ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty" bson:"user_agent,omitempty"`
	ClientType string `json:"client_type,omitempty" bson:"client_type,omitempty"`
}

// ConnectionInfo 连接快照，注册表之外的组件只持有该快照或连接ID
type ConnectionInfo struct {
	ConnectionID   string             `json:"connection_id"`
	UserID         string             `json:"user_id"`
	ConnectedAt    time.Time          `json:"connected_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	State          ConnectionState    `json:"state"`
	Metadata       ConnectionMetadata `json:"metadata"`
}

// DisconnectReason 断开原因
type DisconnectReason string

const (
	ReasonClientDisconnect DisconnectReason = "client_disconnect"
	ReasonForced           DisconnectReason = "forced"
	ReasonTimeout          DisconnectReason = "heartbeat_timeout"
	ReasonShutdown         DisconnectReason = "server_shutdown"
	ReasonTransportError   DisconnectReason = "transport_error"
)

// DisconnectionResult 注销结果；NotFound=true 表示连接已不存在（良性）
type DisconnectionResult struct {
	ConnectionID         string           `json:"connection_id"`
	UserID               string           `json:"user_id,omitempty"`
	Reason               DisconnectReason `json:"reason"`
	NotFound             bool             `json:"not_found"`
	Error                ErrorKind        `json:"error,omitempty"`
	Duration             time.Duration    `json:"duration"`
	RemainingConnections int              `json:"remaining_connections"`
	DisconnectedAt       time.Time        `json:"disconnected_at"`
}

// ConnectionStatus 用户连接状态
type ConnectionStatus struct {
	UserID      string           `json:"user_id"`
	Online      bool             `json:"online"`
	Connections []ConnectionInfo `json:"connections"`
	Groups      []string         `json:"groups"`
}

// GroupStats 群组统计
type GroupStats struct {
	Group           string    `json:"group"`
	ConnectionCount int       `json:"connection_count"`
	UserCount       int       `json:"user_count"`
	MessageCount    int64     `json:"message_count"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}

// CleanupResult 一次心跳清理的回收结果
type CleanupResult struct {
	ConnectionsRemoved int       `json:"connections_removed"`
	MessagesReclaimed  int       `json:"messages_reclaimed"`
	SweptAt            time.Time `json:"swept_at"`
}
