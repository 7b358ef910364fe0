package live

import (
	"strconv"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

func TestConnManager_Register(t *testing.T) {
	cm := NewConnManager()
	conn := &websocket.Conn{}

	cm.Register("user123", "sess-1", conn)

	if active := cm.GetActive("user123", "sess-1"); active != conn {
		t.Errorf("Expected connection %v, got %v", conn, active)
	}
	if cm.Count() != 1 {
		t.Errorf("Count() = %d, want 1", cm.Count())
	}
}

func TestConnManager_Unregister(t *testing.T) {
	cm := NewConnManager()
	conn := &websocket.Conn{}

	cm.Register("user123", "sess-1", conn)
	cm.Unregister("user123", "sess-1", conn)

	if active := cm.GetActive("user123", "sess-1"); active != nil {
		t.Errorf("Expected nil connection, got %v", active)
	}
	if cm.Count() != 0 {
		t.Errorf("Count() = %d, want 0", cm.Count())
	}
}

func TestConnManager_UnregisterStale(t *testing.T) {
	cm := NewConnManager()
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	cm.Register("user123", "sess-1", conn1)
	cm.Register("user123", "sess-2", conn2)

	// A stale unregister must not remove a different connection.
	cm.Unregister("user123", "sess-2", conn1)
	cm.Unregister("user123", "sess-1", conn1)

	if active := cm.GetActive("user123", "sess-2"); active != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, active)
	}
}

func TestConnManager_ConcurrentAccess(t *testing.T) {
	cm := NewConnManager()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			cm.Register("concurrentUser", "sess-"+strconv.Itoa(i), &websocket.Conn{})
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			cm.GetActive("concurrentUser", "sess-"+strconv.Itoa(i))
		}
	}()

	wg.Wait()
	if cm.Count() != 1000 {
		t.Errorf("Count() = %d, want 1000", cm.Count())
	}
}
