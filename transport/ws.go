package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultPingTimeout 流静默超过该时长即视为连接死亡。
const DefaultPingTimeout = 30 * time.Second

// WSConn 包装一条 websocket 连接：串行写、带心跳超时的读。
// Receive 返回 ErrStreamClosed 后连接不可再用，调用方负责重连。
type WSConn struct {
	conn        *websocket.Conn
	pingTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// DialWS 建立连接。pingTimeout <= 0 时使用 DefaultPingTimeout。
func DialWS(ctx context.Context, url string, pingTimeout time.Duration) (*WSConn, error) {
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: ws dial %s: %w", url, err)
	}
	c := &WSConn{
		conn:        conn,
		pingTimeout: pingTimeout,
		closed:      make(chan struct{}),
	}
	// 对端的 ping/pong 都算活跃，顺延读超时。
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pingTimeout))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pingTimeout))
	})
	return c, nil
}

// Send 发送一帧文本消息。
func (c *WSConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: write: %v", ErrStreamClosed, err)
	}
	return nil
}

// Receive 阻塞读取下一帧。超过心跳超时没有任何消息则连接视为死亡。
func (c *WSConn) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.pingTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		// ctx 先到期时以 ctx 错误为准，取消必须向上传播。
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: read: %v", ErrStreamClosed, err)
	}
	return msg, nil
}

// Close 关闭连接，幂等。
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
