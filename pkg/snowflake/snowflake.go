package snowflake

import (
	"fmt"
	"sync"
	"time"
)

// 64位ID结构：1位符号位(0) + 41位时间戳 + 10位节点ID + 12位序列号
const (
	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	// 起始时间 2024-01-01 00:00:00 UTC
	defaultEpoch = 1704067200000
)

// Node 事件ID生成节点，ID单调递增
type Node struct {
	mu       sync.Mutex
	nodeID   int64
	sequence int64
	lastTime int64
	now      func() time.Time
}

// NewNode 创建节点，nodeID 取值 0-1023
func NewNode(nodeID int64) (*Node, error) {
	return NewNodeWithClock(nodeID, time.Now)
}

// NewNodeWithClock 使用指定时钟创建节点
func NewNodeWithClock(nodeID int64, now func() time.Time) (*Node, error) {
	if nodeID < 0 || nodeID > maxNodeID {
		return nil, fmt.Errorf("snowflake node id must be within 0-%d, got %d", maxNodeID, nodeID)
	}
	return &Node{nodeID: nodeID, now: now}, nil
}

// Next 生成下一个ID；时钟回拨时沿用上次的时间戳继续递增序列号
func (n *Node) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ts := n.now().UnixMilli()
	if ts < n.lastTime {
		ts = n.lastTime
	}

	if ts == n.lastTime {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			// 同一毫秒序列号用尽，借用下一毫秒
			ts++
		}
	} else {
		n.sequence = 0
	}
	n.lastTime = ts

	return ((ts - defaultEpoch) << timestampShift) | (n.nodeID << nodeShift) | n.sequence
}

// Time 解析ID中的时间戳
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timestampShift) + defaultEpoch)
}

// NodeOf 解析ID中的节点ID
func NodeOf(id int64) int64 {
	return (id >> nodeShift) & maxNodeID
}
