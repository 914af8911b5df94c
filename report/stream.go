package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// streamWriteTimeout bounds every stream write so a stalled receiver
// cannot stall the run.
const streamWriteTimeout = 5 * time.Second

// StreamSink pushes run-log entries to a WebSocket endpoint as JSON text
// messages, one message per entry. It implements Sink; the run log closes
// and drops it on the first send failure.
type StreamSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialStream connects to a ws:// or wss:// endpoint.
func DialStream(ctx context.Context, url string) (*StreamSink, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing stream %s: %w", url, err)
	}

	return &StreamSink{conn: conn}, nil
}

// Send writes entry as a single JSON message.
func (s *StreamSink) Send(entry any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}

	return s.conn.WriteJSON(entry)
}

// Close sends a normal-closure frame and closes the connection.
func (s *StreamSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))

	return s.conn.Close()
}
