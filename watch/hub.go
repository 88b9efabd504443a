package watch

import (
	"fmt"
	"sync"
	"sync/atomic"

	art "github.com/plar/go-adaptive-radix-tree"
)

// EventType 定义事件类型
type EventType string

const (
	EventPut    EventType = "put"
	EventDelete EventType = "delete"
)

// Event 表示一次键值变更
type Event struct {
	Type  EventType // 事件类型：put 或 delete
	Key   []byte    // 变更的键
	Value []byte    // 变更后的值（仅 put 事件有值）
}

// Watcher 表示一个订阅者
type Watcher struct {
	// Ch 接收匹配前缀的事件，Unregister 之后被关闭
	Ch <-chan *Event

	ch      chan *Event
	prefix  []byte
	dropped atomic.Uint64
}

// Prefix 返回订阅的前缀，空表示订阅所有键
func (w *Watcher) Prefix() []byte {
	return w.prefix
}

// Dropped 返回因通道已满而丢弃的事件数量
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// WatchHub 事件通知中心
// 负责管理所有的 Watcher，并将键值变更事件分发到前缀匹配的 Watcher
type WatchHub struct {
	mu sync.RWMutex

	// all 订阅所有键的 watcher
	all []*Watcher

	// prefixTree 前缀 -> 订阅该前缀的 watcher 列表
	prefixTree art.Tree

	count int
}

// NewWatchHub 创建新的 WatchHub
func NewWatchHub() *WatchHub {
	return &WatchHub{
		prefixTree: art.New(),
	}
}

// Watch 注册一个新的 Watcher
// 参数：
//   - prefix: 关注的前缀，为空表示关注所有键
//   - bufferSize: 事件通道的缓冲区大小
func (h *WatchHub) Watch(prefix []byte, bufferSize int) *Watcher {
	ch := make(chan *Event, bufferSize)
	w := &Watcher{
		Ch:     ch,
		ch:     ch,
		prefix: append([]byte(nil), prefix...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(w.prefix) == 0 {
		h.all = append(h.all, w)
	} else {
		var list []*Watcher
		if val, found := h.prefixTree.Search(art.Key(w.prefix)); found {
			list = val.([]*Watcher)
		}
		h.prefixTree.Insert(art.Key(w.prefix), append(list, w))
	}
	h.count++

	return w
}

// Unregister 取消注册并关闭 Watcher 的通道，可重复调用
func (h *WatchHub) Unregister(w *Watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(w.prefix) == 0 {
		list, removed := removeWatcher(h.all, w)
		if !removed {
			return
		}
		h.all = list
	} else {
		val, found := h.prefixTree.Search(art.Key(w.prefix))
		if !found {
			return
		}
		list, removed := removeWatcher(val.([]*Watcher), w)
		if !removed {
			return
		}
		if len(list) > 0 {
			h.prefixTree.Insert(art.Key(w.prefix), list)
		} else {
			h.prefixTree.Delete(art.Key(w.prefix))
		}
	}

	close(w.ch)
	h.count--
}

// Notify 通知所有匹配的 Watcher
// 发送是非阻塞的，通道已满时丢弃事件并计数
func (h *WatchHub) Notify(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, w := range h.all {
		deliver(w, event)
	}
	// 逐个检查 key 的前缀是否有订阅者
	for i := 1; i <= len(event.Key); i++ {
		val, found := h.prefixTree.Search(art.Key(event.Key[:i]))
		if !found {
			continue
		}
		for _, w := range val.([]*Watcher) {
			deliver(w, event)
		}
	}
}

func deliver(w *Watcher, event *Event) {
	select {
	case w.ch <- event:
	default:
		w.dropped.Add(1)
	}
}

// NotifyPut 通知 Put 事件，key 和 value 会被复制
func (h *WatchHub) NotifyPut(key, value []byte) {
	h.Notify(&Event{
		Type:  EventPut,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
}

// NotifyDelete 通知 Delete 事件
func (h *WatchHub) NotifyDelete(key []byte) {
	h.Notify(&Event{
		Type: EventDelete,
		Key:  append([]byte(nil), key...),
	})
}

// Count 返回当前注册的 watcher 数量
func (h *WatchHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Close 关闭所有 watcher
func (h *WatchHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, w := range h.all {
		close(w.ch)
	}
	h.prefixTree.ForEach(func(node art.Node) bool {
		for _, w := range node.Value().([]*Watcher) {
			close(w.ch)
		}
		return true
	})
	h.all = nil
	h.prefixTree = art.New()
	h.count = 0
}

// String 返回 WatchHub 的字符串描述
func (h *WatchHub) String() string {
	return fmt.Sprintf("WatchHub{watchers: %d}", h.Count())
}

func removeWatcher(list []*Watcher, w *Watcher) ([]*Watcher, bool) {
	for i, x := range list {
		if x == w {
			return append(list[:i:i], list[i+1:]...), true
		}
	}
	return list, false
}
