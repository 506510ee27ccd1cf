package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/swarmled/internal/bus"
)

func wsDial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(url, "http://", "ws://", 1)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) bus.Event {
	t.Helper()
	var ev bus.Event
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	return ev
}

func TestWSRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(e.server.URL, "http://", "ws://", 1) + "/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWSLiveDelivery(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := wsDial(t, ctx, e.server.URL+"/ws")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// A live-tail subscriber sees only what is published after it connects.
	// Wait for registration before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for e.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	seq := e.bus.Publish(bus.TopicTaskCreated, map[string]string{"task_id": "t1"})
	ev := readEvent(t, ctx, conn)
	if ev.Seq != seq || ev.Topic != bus.TopicTaskCreated {
		t.Errorf("event = %+v, want seq %d topic %s", ev, seq, bus.TopicTaskCreated)
	}
}

func TestWSReplayThenLive(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		e.bus.Publish(bus.TopicTaskStateChanged, nil)
	}

	conn := wsDial(t, ctx, e.server.URL+"/ws?after_seq=2")
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Replay of 3, 4, 5 with no duplicates or holes.
	for want := int64(3); want <= 5; want++ {
		ev := readEvent(t, ctx, conn)
		if ev.Seq != want {
			t.Fatalf("replay seq = %d, want %d", ev.Seq, want)
		}
	}

	// Live continuation picks up at 6.
	e.bus.Publish(bus.TopicTaskStateChanged, nil)
	ev := readEvent(t, ctx, conn)
	if ev.Seq != 6 {
		t.Errorf("live seq = %d, want 6", ev.Seq)
	}
}

func TestWSGapOnEvictedResume(t *testing.T) {
	// Small ring so old events are evicted quickly.
	e := newTestEnvWithCapacity(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 20; i++ {
		e.bus.Publish(bus.TopicTaskStateChanged, nil)
	}

	conn := wsDial(t, ctx, e.server.URL+"/ws?after_seq=2")
	defer conn.Close(websocket.StatusNormalClosure, "")

	ev := readEvent(t, ctx, conn)
	if ev.Topic != bus.TopicStreamGap {
		t.Fatalf("first frame topic = %s, want %s", ev.Topic, bus.TopicStreamGap)
	}

	// After the gap notice, delivery resumes from the oldest retained event.
	ev = readEvent(t, ctx, conn)
	if ev.Seq != 17 {
		t.Errorf("post-gap seq = %d, want 17", ev.Seq)
	}
}

func TestWSRejectsBadAfterSeq(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(e.server.URL, "http://", "ws://", 1) + "/ws?after_seq=banana"
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err == nil {
		t.Fatal("dial with bad after_seq succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
