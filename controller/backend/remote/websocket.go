package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashworks/deb-ci/controller/model"
	log "github.com/sirupsen/logrus"
)

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 16
)

var (
	ErrClosed         = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// wsConn writes messages from its own goroutine so senders never block on
// the network.
type wsConn struct {
	ws        *websocket.Conn
	out       chan model.ServerMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		ws:   ws,
		out:  make(chan model.ServerMessage, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) Send(msg model.ServerMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Close()
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				log.Debugf("Failed to write to node: %s", err)
				c.Close()
				return
			}
		}
	}
}

// Serve registers the node behind ws and reads its messages until the
// connection or ctx ends.
func (r *Registry) Serve(ctx context.Context, arch, name string, ws *websocket.Conn) error {
	conn := newWSConn(ws)
	id, err := r.Connect(arch, name, conn)
	if err != nil {
		conn.Close()
		return err
	}
	go conn.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.done:
		}
	}()

	for {
		var msg model.NodeMessage
		if err := ws.ReadJSON(&msg); err != nil {
			conn.Close()
			r.Disconnect(arch, id, fmt.Sprintf("connection closed: %s", err))
			return nil
		}
		r.Receive(arch, id, msg)
	}
}
