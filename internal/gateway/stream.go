package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// writeTimeout bounds one websocket write. A consumer that cannot drain
// within it is disconnected rather than allowed to stall the pump.
const writeTimeout = 10 * time.Second

// handleWS streams state-change events over a websocket. The optional
// after_seq query parameter resumes delivery after a previously seen
// sequence number: buffered events past it are replayed first, then live
// delivery continues seamlessly. If the resume point has been evicted from
// the ring the first frame is a stream.gap event and the client is expected
// to reload from /api/v1/events before trusting the stream again. Without
// after_seq the stream starts live at the tail.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	afterSeq := int64(-1)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "after_seq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		afterSeq = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub := s.cfg.Bus.Subscribe(afterSeq)
	defer s.cfg.Bus.Unsubscribe(sub)

	if s.cfg.Metrics != nil && s.cfg.Metrics.ActiveSubscribers != nil {
		s.cfg.Metrics.ActiveSubscribers.Add(r.Context(), 1)
		defer s.cfg.Metrics.ActiveSubscribers.Add(r.Context(), -1)
	}

	s.logger.Info("ws: subscriber connected", "after_seq", afterSeq)

	ctx := r.Context()
	// Reads are only consumed to detect the peer closing; clients do not
	// send application frames.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Info("ws: subscriber dropped", "seq", ev.Seq, "error", err)
				_ = conn.Close(websocket.StatusPolicyViolation, "write timeout")
				return
			}
		}
	}
}
