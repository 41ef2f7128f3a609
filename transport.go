package main

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/ansel1/merry/v2"
	"github.com/loggo/loggo"
)

var transportLogger = loggo.GetLogger("transport")

var (
	ErrConnectTimeout = merry.Sentinel("transport: connect timeout")
	ErrRefused        = merry.Sentinel("transport: connection refused")
	ErrWriteTimeout   = merry.Sentinel("transport: write timeout")
	ErrReadTimeout    = merry.Sentinel("transport: read timeout")
	ErrClosed         = merry.Sentinel("transport: connection closed")
)

// Transport moves frames over a single TCP connection. No reconnection, no
// pooling, no keepalive; on failure the caller decides between retry and
// fallback.
type Transport struct {
	conn net.Conn
	buf  []byte

	// consecutive framing failures; the connection is dropped when
	// failureLimit is reached
	failures     int
	failureLimit int
}

// dialTransport connects to a validation server within timeout.
func dialTransport(addr string, timeout time.Duration, failureLimit int) (*Transport, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		if isTimeout(err) {
			return nil, merry.Wrap(ErrConnectTimeout, merry.AppendMessage(addr))
		}
		return nil, merry.Wrap(ErrRefused, merry.AppendMessage(addr), merry.WithCause(err))
	}
	transportLogger.Infof("connected to %v", addr)
	return newTransport(conn, failureLimit), nil
}

// acceptTransport binds once and waits for a single peer.
func acceptTransport(addr string, failureLimit int) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, merry.Wrap(ErrRefused, merry.AppendMessage(addr), merry.WithCause(err))
	}
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return nil, merry.Wrap(ErrClosed, merry.WithCause(err))
	}
	transportLogger.Infof("peer connected from %v", conn.RemoteAddr())
	return newTransport(conn, failureLimit), nil
}

func newTransport(conn net.Conn, failureLimit int) *Transport {
	if failureLimit <= 0 {
		failureLimit = 16
	}
	return &Transport{conn: conn, failureLimit: failureLimit}
}

// Send writes one already-encoded frame within timeout.
func (t *Transport) Send(frame []byte, timeout time.Duration) error {
	if t.conn == nil {
		return merry.Wrap(ErrClosed)
	}
	if err := t.conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return merry.Wrap(ErrClosed, merry.WithCause(err))
	}
	if _, err := t.conn.Write(frame); err != nil {
		if isTimeout(err) {
			return merry.Wrap(ErrWriteTimeout)
		}
		return merry.Wrap(ErrClosed, merry.WithCause(err))
	}
	return nil
}

// Recv returns the next well-framed (device ID, body) pair within timeout.
// Framing errors consume a single byte to resync and do not abort the read;
// after failureLimit consecutive bad frames the connection is closed.
func (t *Transport) Recv(timeout time.Duration) (int, []byte, error) {
	if t.conn == nil {
		return 0, nil, merry.Wrap(ErrClosed)
	}
	limit := deadline(timeout)
	for {
		n, id, body, ok, err := decodeStream(t.buf)
		t.buf = t.buf[n:]
		if ok {
			t.failures = 0
			return id, body, nil
		}
		if err != nil {
			t.failures++
			framingErrors.Inc(1)
			transportLogger.Warningf("framing error (%d/%d): %v", t.failures, t.failureLimit, err)
			if t.failures >= t.failureLimit {
				t.Close()
				return 0, nil, merry.Wrap(ErrClosed, merry.AppendMessage("too many framing errors"), merry.WithCause(err))
			}
			continue
		}

		if err := t.conn.SetReadDeadline(limit); err != nil {
			return 0, nil, merry.Wrap(ErrClosed, merry.WithCause(err))
		}
		chunk := make([]byte, 4096)
		r, err := t.conn.Read(chunk)
		if r > 0 {
			t.buf = append(t.buf, chunk[:r]...)
		}
		if err != nil {
			switch {
			case isTimeout(err):
				return 0, nil, merry.Wrap(ErrReadTimeout)
			case errors.Is(err, io.EOF):
				return 0, nil, merry.Wrap(ErrClosed)
			default:
				return 0, nil, merry.Wrap(ErrClosed, merry.WithCause(err))
			}
		}
	}
}

// Close half-closes the write side where possible, then drops the
// connection.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	if tc, ok := t.conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
