package mesh

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	connectTimeout = 5 * time.Second
	idleTimeout    = 10 * time.Second
	listenBacklog  = 10
	maxFrameBytes  = 16 * 1024 * 1024
)

// transport is the length-prefixed TCP framing layer. The wire frame is a
// 4-byte big-endian uint32 length followed by that many bytes of UTF-8 JSON.
type transport struct {
	cfg      Config
	listener net.Listener
}

func newTransport(cfg Config) *transport {
	return &transport{cfg: cfg}
}

func (t *transport) listen() error {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", t.cfg.DataPort))
	if err != nil {
		return newErr(KindTransport, "data listen", err)
	}
	t.listener = ln
	return nil
}

func (t *transport) close() {
	if t.listener != nil {
		t.listener.Close()
	}
}

// accept loops accepting connections until ctx is cancelled or the
// listener is closed, dispatching each to handle on its own goroutine.
func (t *transport) accept(ctx context.Context, handle func(net.Conn)) error {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			log.WithError(err).Debug("accept error")
			continue
		}
		go handle(conn)
	}
}

// sendEnvelope dials the given address with a bounded connect timeout,
// writes one framed envelope, and closes the connection. One outbound
// connection per send, no pooling, per §4.5.
func sendEnvelope(addr string, env Envelope) error {
	conn, err := net.DialTimeout("tcp4", addr, connectTimeout)
	if err != nil {
		return newErr(KindTransport, "dial", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(idleTimeout))
	return writeFrame(conn, env)
}

func writeFrame(w io.Writer, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return newErr(KindDecode, "marshal envelope", err)
	}
	if len(body) > maxFrameBytes {
		return newErr(KindFraming, "write frame", errFrameTooLarge)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return newErr(KindTransport, "write frame header", err)
	}
	if _, err := w.Write(body); err != nil {
		return newErr(KindTransport, "write frame body", err)
	}
	return nil
}

// readFrame reads one length-prefixed envelope from conn, applying an idle
// deadline so a stalled peer does not block the handler forever.
func readFrame(conn net.Conn) (Envelope, error) {
	var env Envelope
	conn.SetReadDeadline(time.Now().Add(idleTimeout))

	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return env, newErr(KindFraming, "read frame header", err)
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > maxFrameBytes {
		return env, newErr(KindFraming, "read frame", errFrameTooLarge)
	}

	body := make([]byte, 0, length)
	chunk := make([]byte, 4096)
	for uint32(len(body)) < length {
		remaining := length - uint32(len(body))
		n := remaining
		if n > uint32(len(chunk)) {
			n = uint32(len(chunk))
		}
		read, err := io.ReadFull(conn, chunk[:n])
		if err != nil {
			return env, newErr(KindFraming, "read frame body", err)
		}
		body = append(body, chunk[:read]...)
	}

	if err := json.Unmarshal(body, &env); err != nil {
		return env, newErr(KindDecode, "decode envelope", err)
	}
	return env, nil
}

var errFrameTooLarge = fmt.Errorf("frame length out of bounds")
