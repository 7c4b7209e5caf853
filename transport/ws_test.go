package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

// echoServer 回显收到的每条消息。
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWSSendReceive(t *testing.T) {
	ts := echoServer(t)
	defer ts.Close()

	conn, err := DialWS(context.Background(), wsURL(ts), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Send(context.Background(), []byte(`{"op":"subscribe"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := conn.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(msg) != `{"op":"subscribe"}` {
		t.Fatalf("unexpected echo: %s", msg)
	}
}

// 心跳静默超过 pingTimeout 后 Receive 必须报流死亡。
func TestWSIdleTimeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second) // 静默，不发任何消息
	}))
	defer ts.Close()

	conn, err := DialWS(context.Background(), wsURL(ts), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	start := time.Now()
	_, err = conn.Receive(context.Background())
	if !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("idle timeout did not fire in time: %v", elapsed)
	}
}

func TestWSReceiveCancellation(t *testing.T) {
	ts := echoServer(t)
	defer ts.Close()

	conn, err := DialWS(context.Background(), wsURL(ts), 10*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = conn.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ctx error, got %v", err)
	}
}

func TestWSSendAfterClose(t *testing.T) {
	ts := echoServer(t)
	defer ts.Close()

	conn, err := DialWS(context.Background(), wsURL(ts), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close should be idempotent: %v", err)
	}
	if err := conn.Send(context.Background(), []byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after close, got %v", err)
	}
}
