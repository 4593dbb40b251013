package ping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ringroute/overlay/internal/wire"
)

type fakeSender struct {
	seq uint16
	err error
}

func (f *fakeSender) SendRaw(payload []byte) (uint16, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.seq++
	return f.seq, nil
}

func TestCheckPingSucceedsOnMatchingAck(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.OnAck(1)
	}()

	rtt := c.CheckPing(context.Background())
	if rtt == wire.UintMax {
		t.Fatal("expected a measured RTT, got the timeout sentinel")
	}
}

func TestCheckPingTimesOutWithoutAck(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rtt := c.CheckPing(ctx)
	if rtt != wire.UintMax {
		t.Fatalf("expected timeout sentinel, got %d", rtt)
	}
}

func TestCheckPingReturnsSentinelOnSendError(t *testing.T) {
	sender := &fakeSender{err: errors.New("no route")}
	c := New(sender)

	rtt := c.CheckPing(context.Background())
	if rtt != wire.UintMax {
		t.Fatalf("expected timeout sentinel on send error, got %d", rtt)
	}
}

func TestOnAckIgnoresStaleSeq(t *testing.T) {
	sender := &fakeSender{}
	c := New(sender)

	done := make(chan uint32, 1)
	go func() {
		done <- c.CheckPing(context.Background())
	}()

	// Give CheckPing time to register seq 1 as pending, then ack an
	// unrelated sequence number — it must not satisfy the pending probe.
	time.Sleep(10 * time.Millisecond)
	c.OnAck(999)

	select {
	case rtt := <-done:
		t.Fatalf("CheckPing returned early with rtt=%d on a mismatched ack", rtt)
	case <-time.After(20 * time.Millisecond):
	}

	c.OnAck(1)
	select {
	case rtt := <-done:
		if rtt == wire.UintMax {
			t.Fatal("expected a measured RTT once the correct seq is acked")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CheckPing to return after the correct ack")
	}
}
