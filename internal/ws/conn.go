// Package ws owns the per-connection runtime: the hello handshake and
// subscription state machine, inbound message dispatch, and best-effort
// outbound delivery over a coder/websocket socket.
package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/converse-ai/converse/pkg/types"
)

const (
	writeTimeout  = 5 * time.Second
	outboundDepth = 64
)

// transport is the socket surface the runtime needs. *websocket.Conn
// satisfies it.
type transport interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is one connected client. It implements fanout.Conn: sends are
// queued onto a writer goroutine and never block the caller; when a
// stalled client fills the queue, messages are dropped.
type Conn struct {
	id   string
	sock transport
	log  zerolog.Logger

	out  chan outbound
	stop chan struct{}
	once sync.Once

	writeMu sync.Mutex

	mu         sync.Mutex
	inputMode  string
	outputMode string
	audioOut   bool
}

func newConn(id string, sock transport, log zerolog.Logger) *Conn {
	c := &Conn{
		id:         id,
		sock:       sock,
		log:        log,
		out:        make(chan outbound, outboundDepth),
		stop:       make(chan struct{}),
		inputMode:  types.ModeText,
		outputMode: types.ModeText,
	}
	go c.writeLoop()
	return c
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Send marshals msg and queues it as a text message. Never blocks; a
// stalled client must not stall a session's turn.
func (c *Conn) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound message")
		return
	}
	c.enqueue(websocket.MessageText, data)
}

// SendBinary queues an audio frame as a binary message, best-effort.
func (c *Conn) SendBinary(data []byte) {
	c.enqueue(websocket.MessageBinary, data)
}

func (c *Conn) enqueue(typ websocket.MessageType, data []byte) {
	select {
	case c.out <- outbound{typ: typ, data: data}:
	default:
		c.log.Debug().Msg("outbound queue full, message dropped")
	}
}

// sendNow writes msg synchronously, bypassing the queue. Used for fatal
// errors that must reach the wire before the socket closes.
func (c *Conn) sendNow(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal outbound message")
		return
	}
	c.write(websocket.MessageText, data)
}

// writeLoop is the single queue consumer feeding the socket.
func (c *Conn) writeLoop() {
	for {
		select {
		case m := <-c.out:
			c.write(m.typ, m.data)
		case <-c.stop:
			return
		}
	}
}

func (c *Conn) write(typ websocket.MessageType, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.Write(ctx, typ, data); err != nil {
		c.log.Debug().Err(err).Msg("outbound write dropped")
	}
}

// close stops the writer goroutine. Idempotent.
func (c *Conn) close() {
	c.once.Do(func() { close(c.stop) })
}

// SetModes updates the connection's input/output modes and audio flag.
func (c *Conn) SetModes(inputMode, outputMode string, audioOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if inputMode != "" {
		c.inputMode = inputMode
	}
	if outputMode != "" {
		c.outputMode = outputMode
	}
	c.audioOut = audioOut
}

// WantsAudio reports whether this connection should receive synthesized
// audio for its turns.
func (c *Conn) WantsAudio() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioOut && (c.outputMode == types.ModeVoice || c.outputMode == types.ModeBoth)
}
