package watch

import (
	"testing"
)

func TestWatchHub_PrefixMatching(t *testing.T) {
	hub := NewWatchHub()
	defer hub.Close()

	all := hub.Watch(nil, 10)
	users := hub.Watch([]byte("user:"), 10)
	orders := hub.Watch([]byte("order:"), 10)

	hub.NotifyPut([]byte("user:1"), []byte("alice"))
	hub.NotifyDelete([]byte("order:7"))

	if got := len(all.Ch); got != 2 {
		t.Fatalf("全量 watcher 应收到 2 个事件, 得到 %d", got)
	}
	if got := len(users.Ch); got != 1 {
		t.Fatalf("user: watcher 应收到 1 个事件, 得到 %d", got)
	}
	ev := <-users.Ch
	if ev.Type != EventPut || string(ev.Key) != "user:1" || string(ev.Value) != "alice" {
		t.Fatalf("事件内容不正确: %+v", ev)
	}
	ev = <-orders.Ch
	if ev.Type != EventDelete || string(ev.Key) != "order:7" || ev.Value != nil {
		t.Fatalf("删除事件内容不正确: %+v", ev)
	}
}

func TestWatchHub_NestedPrefixes(t *testing.T) {
	hub := NewWatchHub()
	short := hub.Watch([]byte("a"), 10)
	long := hub.Watch([]byte("ab"), 10)

	hub.NotifyPut([]byte("abc"), []byte("v"))
	hub.NotifyPut([]byte("ax"), []byte("v"))

	if len(short.Ch) != 2 {
		t.Fatalf("前缀 a 应收到 2 个事件, 得到 %d", len(short.Ch))
	}
	if len(long.Ch) != 1 {
		t.Fatalf("前缀 ab 应收到 1 个事件, 得到 %d", len(long.Ch))
	}
}

func TestWatchHub_DropWhenFull(t *testing.T) {
	hub := NewWatchHub()
	w := hub.Watch(nil, 1)

	hub.NotifyPut([]byte("k"), []byte("1"))
	hub.NotifyPut([]byte("k"), []byte("2"))

	if w.Dropped() != 1 {
		t.Fatalf("应丢弃 1 个事件, 得到 %d", w.Dropped())
	}
	if ev := <-w.Ch; string(ev.Value) != "1" {
		t.Fatalf("应保留第一个事件, 得到 %s", ev.Value)
	}
}

func TestWatchHub_Unregister(t *testing.T) {
	hub := NewWatchHub()
	a := hub.Watch([]byte("p"), 1)
	b := hub.Watch([]byte("p"), 1)
	if hub.Count() != 2 {
		t.Fatalf("Count 应为 2, 得到 %d", hub.Count())
	}

	hub.Unregister(a)
	hub.Unregister(a)
	if hub.Count() != 1 {
		t.Fatalf("Count 应为 1, 得到 %d", hub.Count())
	}
	if _, ok := <-a.Ch; ok {
		t.Fatal("取消注册后通道应被关闭")
	}

	hub.NotifyPut([]byte("p1"), []byte("v"))
	if len(b.Ch) != 1 {
		t.Fatal("剩余的 watcher 应继续收到事件")
	}
}
