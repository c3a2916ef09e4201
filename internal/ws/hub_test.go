package ws

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/internal/engine"
	"github.com/HerbHall/medwatch/internal/testutil"
	"github.com/HerbHall/medwatch/pkg/supply"
)

func newTestClient(id, minSeverity string) *Client {
	return newClient(nil, id, minSeverity, zap.NewNop())
}

func anomalyMessage(severity string) Message {
	a := testutil.NewAnomaly("med-1", testutil.WithSeverity(severity))
	return Message{Type: MessageAnomalyDetected, Timestamp: time.Now(), Data: AnomalyData{Anomaly: &a}}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(zap.NewNop())
	client := newTestClient("c1", "")

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
	if _, ok := <-client.send; ok {
		t.Error("client.send channel is not closed")
	}
}

func TestUnregisterNotRegistered(t *testing.T) {
	hub := NewHub(zap.NewNop())
	client := newTestClient("c1", "")

	hub.Unregister(client)

	select {
	case _, ok := <-client.send:
		if !ok {
			t.Error("channel closed for unregistered client")
		}
	default:
	}
}

func TestBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	clients := []*Client{newTestClient("c1", ""), newTestClient("c2", ""), newTestClient("c3", "")}
	for _, c := range clients {
		hub.Register(c)
	}

	hub.Broadcast(Message{Type: MessageBatchProcessed, Data: BatchData{Batch: engine.BatchResult{ID: "b1"}}})

	for i, c := range clients {
		select {
		case got := <-c.send:
			if got.Type != MessageBatchProcessed {
				t.Errorf("client %d Type = %v", i, got.Type)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("client %d did not receive message", i)
		}
	}
}

func TestBroadcast_SeverityFilter(t *testing.T) {
	tests := []struct {
		name     string
		min      string
		severity string
		want     bool
	}{
		{"no filter", "", supply.SeverityLow, true},
		{"below minimum", supply.SeverityHigh, supply.SeverityMedium, false},
		{"at minimum", supply.SeverityHigh, supply.SeverityHigh, true},
		{"above minimum", supply.SeverityHigh, supply.SeverityCritical, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(zap.NewNop())
			c := newTestClient("c", tt.min)
			hub.Register(c)

			hub.Broadcast(anomalyMessage(tt.severity))

			if got := len(c.send) == 1; got != tt.want {
				t.Errorf("delivered = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBroadcast_FilterPassesNonAnomalies(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := newTestClient("c", supply.SeverityCritical)
	hub.Register(c)

	hub.Broadcast(Message{Type: MessageEngineError, Data: ErrorData{Error: "x"}})
	if len(c.send) != 1 {
		t.Errorf("engine.error not delivered to filtered client")
	}
}

func TestBroadcast_DropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zap.NewNop())
	client := newTestClient("c1", "")
	hub.Register(client)

	for range sendBuffer {
		client.send <- Message{Type: MessageBatchProcessed}
	}
	hub.Broadcast(Message{Type: MessageEngineError})

	if len(client.send) != sendBuffer {
		t.Fatalf("len(send) = %d, want %d", len(client.send), sendBuffer)
	}
	for range sendBuffer {
		if m := <-client.send; m.Type == MessageEngineError {
			t.Fatal("dropped message was delivered")
		}
	}
}

func TestConcurrentRegisterUnregisterBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	var wg sync.WaitGroup

	for i := range 50 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			client := newTestClient(string(rune('a'+id)), "")
			hub.Register(client)
			go func() {
				for range client.send {
				}
			}()
			time.Sleep(10 * time.Millisecond)
			hub.Unregister(client)
		}(i)
	}
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Broadcast(anomalyMessage(supply.SeverityHigh))
		}()
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", hub.ClientCount())
	}
}

func TestConcurrentClientCount(t *testing.T) {
	hub := NewHub(zap.NewNop())
	for i := range 10 {
		hub.Register(newTestClient(string(rune('a'+i)), ""))
	}

	var (
		wg  sync.WaitGroup
		sum atomic.Int64
	)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum.Add(int64(hub.ClientCount()))
		}()
	}
	wg.Wait()

	if sum.Load() != 1000 {
		t.Errorf("sum of ClientCount() = %d, want 1000", sum.Load())
	}
}
