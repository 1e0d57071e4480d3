package synclog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierDeliversToFacilitySubscribers(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, cancel := n.Subscribe("f1")
	defer cancel()
	other, cancelOther := n.Subscribe("f2")
	defer cancelOther()

	n.Publish(context.Background(), Notification{FacilityID: "f1", Seq: 7})

	select {
	case note := <-ch:
		assert.Equal(t, "f1", note.FacilityID)
		assert.Equal(t, uint64(7), note.Seq)
		assert.NotEmpty(t, note.Origin)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive notification")
	}

	select {
	case note := <-other:
		t.Fatalf("facility f2 subscriber received %v", note)
	default:
	}
}

func TestNotifierCancelStopsDelivery(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, cancel := n.Subscribe("f1")
	cancel()

	n.Publish(context.Background(), Notification{FacilityID: "f1", Seq: 1})
	select {
	case note := <-ch:
		t.Fatalf("cancelled subscriber received %v", note)
	default:
	}
}

func TestNotifierNeverBlocksPublisher(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	_, cancel := n.Subscribe("f1")
	defer cancel()

	// Far more publishes than the subscriber buffer holds; the extras are
	// dropped, the publisher never stalls.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			n.Publish(context.Background(), Notification{FacilityID: "f1", Seq: uint64(i)})
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *Notifier
	n.Publish(context.Background(), Notification{FacilityID: "f1", Seq: 1})
	n.Close()
}

func TestEnginePublishesAfterCommit(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()
	e := newTestEngine(t, Options{Notifier: n})

	ch, cancel := n.Subscribe("f1")
	defer cancel()

	resp, err := e.Push(context.Background(), PushRequest{
		FacilityID: "f1",
		DeviceID:   "d1",
		Ops:        []Op{upsertOp("a1", "p1"), upsertOp("a2", "p2")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	select {
	case note := <-ch:
		assert.Equal(t, "f1", note.FacilityID)
		assert.Equal(t, uint64(2), note.Seq)
	case <-time.After(time.Second):
		t.Fatal("no notification after push")
	}

	// A push that ingests nothing publishes nothing.
	pushOne(t, e, "f1", "d1", upsertOp("a1", "p1"))
	select {
	case note := <-ch:
		t.Fatalf("duplicate-only push published %v", note)
	default:
	}
}
