package report_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/testcage/testcage/report"
)

// streamServer accepts one WebSocket connection and collects every message
// it receives until the peer closes.
type streamServer struct {
	srv       *httptest.Server
	messages  chan []byte
	closeCode chan int
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()

	s := &streamServer{
		messages:  make(chan []byte, 16),
		closeCode: make(chan int, 1),
	}

	var upgrader websocket.Upgrader
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					s.closeCode <- ce.Code
				}
				return
			}
			s.messages <- msg
		}
	}))
	t.Cleanup(s.srv.Close)

	return s
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func Test_StreamSink_DeliversEntriesAsJSONMessages(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, err := report.DialStream(ctx, server.url())
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}
	defer sink.Close()

	entry := report.RunStartEntry{Type: "run_start", RunID: "run-7", Workspace: "/work"}
	if err := sink.Send(entry); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-server.messages:
		var got map[string]any
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("message is not JSON: %v\n%s", err, msg)
		}
		if got["type"] != "run_start" || got["run_id"] != "run-7" {
			t.Fatalf("message = %v, want run_start for run-7", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the entry")
	}
}

func Test_StreamSink_Close_SendsNormalClosure(t *testing.T) {
	t.Parallel()

	server := newStreamServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sink, err := report.DialStream(ctx, server.url())
	if err != nil {
		t.Fatalf("DialStream: %v", err)
	}

	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case code := <-server.closeCode:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("close code = %d, want %d", code, websocket.CloseNormalClosure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not see a close frame")
	}
}

func Test_DialStream_ReturnsError_WhenEndpointRefusesConnection(t *testing.T) {
	t.Parallel()

	// Grab a port that nothing listens on anymore.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := report.DialStream(ctx, "ws://"+addr); err == nil {
		t.Fatal("DialStream succeeded against a closed port")
	}
}
