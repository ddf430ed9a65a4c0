package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	ch1, unsub1 := bus.Subscribe(TopicBlockIP, 4)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(TopicBlockIP, 4)
	defer unsub2()

	bus.Publish(TopicBlockIP, BlockIPNotice{IP: "1.1.1.1", Reason: "brute force"})

	for _, ch := range []<-chan Message{ch1, ch2} {
		select {
		case msg := <-ch:
			notice, ok := msg.Payload.(BlockIPNotice)
			require.True(t, ok)
			assert.Equal(t, "1.1.1.1", notice.IP)
			assert.Equal(t, TopicBlockIP, msg.Topic)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
}

func TestBus_TopicIsolation(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	blockCh, unsub := bus.Subscribe(TopicBlockIP, 4)
	defer unsub()

	bus.Publish(TopicRequire2FA, Require2FANotice{UserID: "u1"})

	select {
	case <-blockCh:
		t.Fatal("received broadcast from an unrelated topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	// Buffer of one, never drained.
	_, unsub := bus.Subscribe(TopicAlert, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicAlert, Alert{AlertType: "test"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	stats := bus.Stats()
	assert.Equal(t, int64(10), stats["published"])
	assert.Equal(t, int64(1), stats["delivered"])
	assert.Equal(t, int64(9), stats["dropped"])
}

func TestBus_NoSubscribersCountsDrop(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	bus.Publish(TopicThreatDetected, struct{}{})

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats["published"])
	assert.Equal(t, int64(1), stats["dropped"])
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))

	ch, unsub := bus.Subscribe(TopicBlockIP, 1)
	unsub()
	unsub() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(TopicBlockIP, BlockIPNotice{IP: "2.2.2.2"})
}
