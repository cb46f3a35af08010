package queue

import (
	"time"

	"snippet-notify/apps/notify-service/model"
)

// item 队列条目
type item struct {
	env       *model.Envelope
	key       string
	dueAt     time.Time
	seq       uint64
	index     int
	cancelled bool // 处理中被取消
}

// before 排序：优先级高者优先，其次到期时间早者优先，最后按入队顺序
func (it *item) before(other *item) bool {
	if it.env.Priority != other.env.Priority {
		return it.env.Priority > other.env.Priority
	}
	if !it.dueAt.Equal(other.dueAt) {
		return it.dueAt.Before(other.dueAt)
	}
	return it.seq < other.seq
}

// itemHeap 实现 container/heap 接口
type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func itemKey(env *model.Envelope) string {
	if env.ConnectionID == "" {
		return env.ID
	}
	return env.ID + "@" + env.ConnectionID
}
