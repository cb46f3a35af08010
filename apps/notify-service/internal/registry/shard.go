package registry

import (
	"hash/fnv"
	"sort"
	"sync"
)

// DefaultShards 默认分片数
const DefaultShards = 32

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// setIndex 分片的 key -> 字符串集合索引
type setIndex struct {
	shards []*setShard
}

type setShard struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

func newSetIndex(n int) *setIndex {
	idx := &setIndex{shards: make([]*setShard, n)}
	for i := range idx.shards {
		idx.shards[i] = &setShard{sets: make(map[string]map[string]struct{})}
	}
	return idx
}

func (x *setIndex) shard(key string) *setShard {
	return x.shards[shardIndex(key, len(x.shards))]
}

func (x *setIndex) add(key, value string) {
	s := x.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[value] = struct{}{}
}

func (x *setIndex) remove(key, value string) bool {
	s := x.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return false
	}
	if _, ok := set[value]; !ok {
		return false
	}
	delete(set, value)
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return true
}

// take 取出并删除 key 对应的全部值
func (x *setIndex) take(key string) []string {
	s := x.shard(key)
	s.mu.Lock()
	set := s.sets[key]
	delete(s.sets, key)
	s.mu.Unlock()
	return sortedKeys(set)
}

func (x *setIndex) list(key string) []string {
	s := x.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.sets[key])
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
