package game

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, m := range c.messages {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(m, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	require.NotNil(t, hub)
	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.broadcast)
	assert.NotNil(t, hub.direct)
	assert.Zero(t, hub.GetClientCount())
}

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	hub := startHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	hub.RegisterClient(a, "u1")
	hub.RegisterClient(b, "u2")
	require.Eventually(t, func() bool { return hub.GetClientCount() == 2 }, time.Second, time.Millisecond)

	hub.Broadcast(NewMessage(EventMultiplierUpdate, MultiplierUpdate{Multiplier: 1.5}))

	require.Eventually(t, func() bool {
		return len(a.types()) == 1 && len(b.types()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{EventMultiplierUpdate}, a.types())
}

func TestHub_SendToTargetsOneUser(t *testing.T) {
	hub := startHub(t)
	a, b := &fakeConn{}, &fakeConn{}
	hub.RegisterClient(a, "u1")
	hub.RegisterClient(b, "u2")
	require.Eventually(t, func() bool { return hub.GetClientCount() == 2 }, time.Second, time.Millisecond)

	hub.SendTo("u2", NewMessage(EventBetConfirmed, nil))
	require.Eventually(t, func() bool { return len(b.types()) == 1 }, time.Second, time.Millisecond)
	hub.Broadcast(NewMessage(EventCountdown, Countdown{SecondsRemaining: 3}))

	require.Eventually(t, func() bool { return len(b.types()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{EventBetConfirmed, EventCountdown}, b.types())
	require.Eventually(t, func() bool { return len(a.types()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{EventCountdown}, a.types())
}

func TestHub_PreservesOrderPerClient(t *testing.T) {
	hub := startHub(t)
	conn := &fakeConn{}
	hub.RegisterClient(conn, "u1")
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, time.Millisecond)

	for i := 1; i <= 20; i++ {
		hub.Broadcast(NewMessage(EventMultiplierUpdate, MultiplierUpdate{Multiplier: 1 + float64(i)/100}))
	}
	require.Eventually(t, func() bool { return len(conn.types()) == 20 }, time.Second, time.Millisecond)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	last := 0.0
	for _, raw := range conn.messages {
		var msg struct {
			Data MultiplierUpdate `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Greater(t, msg.Data.Multiplier, last)
		last = msg.Data.Multiplier
	}
}

func TestHub_Unregister(t *testing.T) {
	hub := startHub(t)
	conn := &fakeConn{}
	client := hub.RegisterClient(conn, "u1")
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, time.Millisecond)

	hub.UnregisterClient(client)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 }, time.Second, time.Millisecond)

	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()
	assert.ErrorIs(t, client.Send(NewMessage(EventPong, nil)), ErrClientClosed)
}

func TestHub_RegisterAfterStop(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	conn := &fakeConn{}
	done := make(chan struct{})
	go func() {
		client := hub.RegisterClient(conn, "late")
		hub.UnregisterClient(client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("register blocked after hub stopped")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.True(t, conn.closed)
}

func TestHub_BroadcastChannelFull(t *testing.T) {
	hub := NewHub()

	// hub is not running, so the channel fills up
	for i := 0; i < broadcastSize; i++ {
		hub.Broadcast(map[string]string{"msg": "test"})
	}

	done := make(chan bool, 1)
	go func() {
		hub.Broadcast(map[string]string{"msg": "overflow"})
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Broadcast() blocked when channel was full")
	}
}

func TestHub_FullQueueKeepsLifecycleEvents(t *testing.T) {
	tests := []struct {
		name    string
		message WSMessage
		waits   bool
	}{
		{"multiplier update is dropped", NewMessage(EventMultiplierUpdate, MultiplierUpdate{Multiplier: 1.5}), false},
		{"game crashed waits", NewMessage(EventGameCrashed, GameCrashed{CrashPoint: 2}), true},
		{"game started waits", NewMessage(EventGameStarted, GameStarted{}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub()
			for i := 0; i < broadcastSize; i++ {
				hub.Broadcast(NewMessage(EventMultiplierUpdate, MultiplierUpdate{Multiplier: 1.01}))
			}

			done := make(chan struct{})
			go func() {
				hub.Broadcast(tt.message)
				close(done)
			}()

			if !tt.waits {
				select {
				case <-done:
				case <-time.After(100 * time.Millisecond):
					t.Fatal("multiplier update blocked on a full queue")
				}
				assert.Len(t, hub.broadcast, broadcastSize)
				return
			}

			select {
			case <-done:
				t.Fatal("lifecycle event returned before the queue had room")
			case <-time.After(50 * time.Millisecond):
			}

			<-hub.broadcast
			select {
			case <-done:
			case <-time.After(lifecycleWait):
				t.Fatal("lifecycle event not queued after room was made")
			}

			var last []byte
			for len(hub.broadcast) > 0 {
				last = <-hub.broadcast
			}
			var env WSMessage
			require.NoError(t, json.Unmarshal(last, &env))
			assert.Equal(t, tt.message.Type, env.Type)
		})
	}
}

func TestHub_ConcurrentBroadcasts(t *testing.T) {
	hub := startHub(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			hub.Broadcast(map[string]any{"type": "test", "value": n})
		}(i)
	}

	done := make(chan bool)
	go func() {
		wg.Wait()
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Concurrent broadcasts timed out")
	}
}

func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	message := NewMessage(EventMultiplierUpdate, MultiplierUpdate{Multiplier: 2})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.Broadcast(message)
	}
}

func BenchmarkHub_GetClientCount(b *testing.B) {
	hub := NewHub()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.GetClientCount()
	}
}
