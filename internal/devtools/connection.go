// Package devtools observes browser pages over the Chrome DevTools Protocol
// and feeds their network traffic to the inspector.
package devtools

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/vincentbai/target-inspector/internal/log"
)

const (
	dialTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	eventBufferSize = 256
)

// ErrClosed is returned by Execute once the connection is gone.
var ErrClosed = errors.New("devtools connection closed")

// Connection speaks CDP to a single page target. Replies are routed to the
// Execute call waiting on their id; events are delivered in arrival order
// on Events.
type Connection struct {
	logger *log.Logger
	ws     *websocket.Conn
	lastID atomic.Int64

	// gorilla allows one concurrent writer
	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[int64]chan *cdproto.Message
	closed  bool
	err     error

	events   chan *cdproto.Message
	done     chan struct{}
	readDone chan struct{}
}

// NewConnection dials wsURL and starts reading.
func NewConnection(ctx context.Context, wsURL string, logger *log.Logger) (*Connection, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		logger:   logger,
		ws:       ws,
		waiters:  make(map[int64]chan *cdproto.Message),
		events:   make(chan *cdproto.Message, eventBufferSize),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.read()
	return c, nil
}

// Events delivers protocol events. It is closed when the connection ends.
func (c *Connection) Events() <-chan *cdproto.Message {
	return c.events
}

// Done is closed when the connection ends.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close says goodbye to the page and waits for the reader to stop. Closing
// an already ended connection is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	var err error
	if !closed {
		c.writeMu.Lock()
		err = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
	}
	c.end(nil)
	<-c.readDone
	return err
}

// end tears the connection down once, recording cause.
func (c *Connection) end(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = cause
	c.waiters = nil
	close(c.done)
	_ = c.ws.Close()
}

func (c *Connection) read() {
	defer close(c.readDone)
	defer close(c.events)

	for {
		_, buf, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.end(err)
			} else {
				c.end(nil)
			}
			return
		}
		c.logger.Tracef("cdp:recv", "<- %s", buf)

		msg := new(cdproto.Message)
		lexer := jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&lexer)
		if err := lexer.Error(); err != nil {
			c.logger.Errorf("cdp", "decoding message: %v", err)
			continue
		}

		if msg.ID != 0 {
			c.deliver(msg)
			continue
		}
		if msg.Method == "" {
			c.logger.Errorf("cdp", "message has neither id nor method: %s", buf)
			continue
		}
		select {
		case c.events <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) deliver(reply *cdproto.Message) {
	c.mu.Lock()
	ch, ok := c.waiters[reply.ID]
	delete(c.waiters, reply.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debugf("cdp", "reply %d has no caller", reply.ID)
		return
	}
	ch <- reply
}

func (c *Connection) write(ctx context.Context, msg *cdproto.Message) error {
	var w jwriter.Writer
	msg.MarshalEasyJSON(&w)
	if w.Error != nil {
		return w.Error
	}
	buf, err := w.BuildBytes()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.logger.Tracef("cdp:send", "-> %s", buf)
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf)
}

// Execute implements cdp.Executor: it sends method and waits for its reply.
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	msg := &cdproto.Message{
		ID:     c.lastID.Add(1),
		Method: cdproto.MethodType(method),
	}
	if params != nil {
		buf, err := easyjson.Marshal(params)
		if err != nil {
			return err
		}
		msg.Params = buf
	}

	ch := make(chan *cdproto.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.waiters[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, msg); err != nil {
		select {
		case <-c.done:
			return ErrClosed
		default:
		}
		c.end(err)
		return err
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply.Error
		}
		if res != nil {
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}
