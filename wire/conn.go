// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bnewbold/geniza/config"
	"github.com/bnewbold/geniza/internal/logging"
	"github.com/bnewbold/geniza/metrics"
	"github.com/bnewbold/geniza/register"
)

// State is a connection's position in the handshake state machine
// (spec.md §4.4).
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateFeed0Sent
	StateFeed0Recvd
	StateHandshakeSent
	StateHandshakeRecvd
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnected:
		return "CONNECTED"
	case StateFeed0Sent:
		return "FEED0_SENT"
	case StateFeed0Recvd:
		return "FEED0_RECVD"
	case StateHandshakeSent:
		return "HANDSHAKE_SENT"
	case StateHandshakeRecvd:
		return "HANDSHAKE_RECVD"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrDiscoveryKeyMismatch is a fatal condition (spec.md §4.4): the
// remote peer's Feed 0 message names a different register than the one
// we expected to find on the other end.
var ErrDiscoveryKeyMismatch = errors.New("wire: remote discovery key does not match expected register")

// ErrConnClosed is returned by Send once a connection has transitioned
// to CLOSED.
var ErrConnClosed = errors.New("wire: connection is closed")

// Frame is one decoded, decrypted application message delivered to a
// connection's consumer (the synchronizer).
type Frame struct {
	FeedIndex uint32
	MsgType   uint8
	Payload   []byte
}

// Conn is one peer-to-peer connection: a TCP socket, the per-direction
// XSalsa20 cipher state, and the feed-multiplexed message stream
// described in spec.md §4.4. A Conn owns its socket and cipher state
// exclusively (spec.md §5) — callers must not share one across
// goroutines except through Send and Incoming.
type Conn struct {
	raw net.Conn
	cfg config.Config
	log logging.Logger
	met *metrics.Wire

	state int32 // atomic State

	LocalID  [32]byte
	RemoteID [32]byte

	reader *bufio.Reader
	writer io.Writer

	writeMu sync.Mutex

	incoming  chan Frame
	closeErr  error
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(raw net.Conn, cfg config.Config, log logging.Logger, met *metrics.Wire) *Conn {
	return &Conn{
		raw:      raw,
		cfg:      cfg,
		log:      logging.OrNoOp(log),
		met:      met,
		incoming: make(chan Frame, 64),
		done:     make(chan struct{}),
	}
}

// State returns the connection's current position in the handshake
// state machine.
func (c *Conn) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Conn) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// DialTCP connects to addr as the metadata feed of the register
// identified by pub, completing the cleartext Feed0 exchange and the
// encrypted Handshake before returning an OPEN connection.
func DialTCP(ctx context.Context, addr string, pub ed25519.PublicKey, cfg config.Config, log logging.Logger, met *metrics.Wire) (*Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	c := newConn(raw, cfg, log, met)
	if err := c.handshake(pub); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

// Accept completes the handshake on an already-accepted TCP connection
// (e.g. from a net.Listener), expecting it to carry the register
// identified by pub.
func Accept(raw net.Conn, pub ed25519.PublicKey, cfg config.Config, log logging.Logger, met *metrics.Wire) (*Conn, error) {
	c := newConn(raw, cfg, log, met)
	if err := c.handshake(pub); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

// handshake runs the cleartext Feed0 exchange followed by the encrypted
// Handshake exchange. The same sequence (send then receive) works for
// both the dialing and accepting side: each peer generates and declares
// its own nonce, so there is no ordering dependency between the two
// sides beyond what TCP's independent read/write buffers already give.
func (c *Conn) handshake(pub ed25519.PublicKey) error {
	c.setState(StateConnected)
	discKey := register.DiscoveryKeyFor(pub)

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("wire: generate nonce: %w", err)
	}
	if _, err := rand.Read(c.LocalID[:]); err != nil {
		return fmt.Errorf("wire: generate handshake id: %w", err)
	}

	c.raw.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	clearReader := bufio.NewReader(c.raw)

	if err := writeFrame(c.raw, 0, MsgFeed, Feed{DiscoveryKey: discKey[:], Nonce: nonce[:]}.marshal()); err != nil {
		return fmt.Errorf("wire: send feed: %w", err)
	}
	c.setState(StateFeed0Sent)

	remoteFrame, err := readFrame(clearReader, c.cfg.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("wire: recv feed: %w", err)
	}
	if remoteFrame.feedIndex != 0 || remoteFrame.msgType != MsgFeed {
		return fmt.Errorf("%w: expected cleartext Feed on feed 0", ErrBadHeader)
	}
	remoteFeed, err := unmarshalFeed(remoteFrame.payload)
	if err != nil {
		return err
	}
	if !bytes.Equal(remoteFeed.DiscoveryKey, discKey[:]) {
		return ErrDiscoveryKeyMismatch
	}
	if len(remoteFeed.Nonce) != 24 {
		return fmt.Errorf("%w: feed 0 nonce is %d bytes", ErrBadHeader, len(remoteFeed.Nonce))
	}
	var remoteNonce [24]byte
	copy(remoteNonce[:], remoteFeed.Nonce)
	c.setState(StateFeed0Recvd)

	var key [32]byte
	copy(key[:], pub)
	txCipher := newStreamCipher(key, nonce)
	rxCipher := newStreamCipher(key, remoteNonce)

	c.writer = &encryptingWriter{dst: c.raw, cipher: txCipher}
	c.reader = bufio.NewReader(&decryptingReader{src: clearReader, cipher: rxCipher})

	if err := writeFrame(c.writer, 0, MsgHandshake, Handshake{ID: c.LocalID[:], Live: true}.marshal()); err != nil {
		return fmt.Errorf("wire: send handshake: %w", err)
	}
	c.setState(StateHandshakeSent)

	hsFrame, err := readFrame(c.reader, c.cfg.MaxFrameSize)
	if err != nil {
		return fmt.Errorf("wire: recv handshake: %w", err)
	}
	if hsFrame.msgType != MsgHandshake {
		return fmt.Errorf("%w: expected Handshake after Feed0", ErrBadHeader)
	}
	hs, err := unmarshalHandshake(hsFrame.payload)
	if err != nil {
		return err
	}
	// id is optional (spec.md §4.4; network_msgs.rs's `optional bytes id
	// = 1`): only validate its length when the peer actually sent one.
	if len(hs.ID) != 0 && len(hs.ID) != 32 {
		return fmt.Errorf("%w: handshake id is %d bytes", ErrBadHeader, len(hs.ID))
	}
	copy(c.RemoteID[:], hs.ID)
	c.setState(StateHandshakeRecvd)

	c.raw.SetDeadline(time.Time{})
	c.setState(StateOpen)
	if c.met != nil {
		c.met.ActiveConns.Inc()
	}
	c.log.Info("wire connection open", "remoteAddr", c.raw.RemoteAddr())
	return nil
}

// Run drives the connection's reader loop until ctx is cancelled, the
// connection closes, or a fatal protocol condition occurs (spec.md
// §4.4). Per spec.md §5's concurrency model this is the "reader" of the
// two cooperating tasks per connection; Send plays the "writer" role
// directly, since it already serializes callers under writeMu and only
// one goroutine ever advances the write-side cipher counter at a time.
func (c *Conn) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(c.readLoop)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.done:
			return nil
		}
	})
	return g.Wait()
}

func (c *Conn) readLoop() error {
	defer close(c.incoming)
	for {
		if c.cfg.ReadTimeout > 0 {
			c.raw.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		f, err := readFrame(c.reader, c.cfg.MaxFrameSize)
		if err != nil {
			c.fail(err)
			return err
		}
		if f.msgType > maxMessageType {
			c.fail(ErrBadHeader)
			return ErrBadHeader
		}
		if c.met != nil {
			c.met.FramesRecv.WithLabelValues(msgTypeName(f.msgType)).Inc()
			c.met.BytesRecv.Add(float64(len(f.payload)))
		}
		select {
		case c.incoming <- Frame{FeedIndex: f.feedIndex, MsgType: f.msgType, Payload: f.payload}:
		case <-c.done:
			return nil
		}
	}
}

// Incoming returns the channel of decoded frames read from the peer.
// It is closed once the read loop exits, whether due to Close, a
// network error, or a fatal protocol condition.
func (c *Conn) Incoming() <-chan Frame { return c.incoming }

// Send serializes, encrypts, and writes one message on feedIndex.
func (c *Conn) Send(feedIndex uint32, msgType uint8, payload []byte) error {
	if c.State() == StateClosed {
		return ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := writeFrame(c.writer, feedIndex, msgType, payload); err != nil {
		c.fail(err)
		return err
	}
	if c.met != nil {
		c.met.FramesSent.WithLabelValues(msgTypeName(msgType)).Inc()
		c.met.BytesSent.Add(float64(len(payload)))
	}
	return nil
}

// SendFeed introduces an additional feed (e.g. the content register)
// after the handshake: spec.md §4.4 carries no nonce for any feed
// beyond 0.
func (c *Conn) SendFeed(feedIndex uint32, discoveryKey [32]byte) error {
	return c.Send(feedIndex, MsgFeed, Feed{DiscoveryKey: discoveryKey[:]}.marshal())
}

// fail transitions the connection to CLOSED exactly once, recording err
// as the reason and releasing the socket.
func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.setState(StateClosed)
		if c.met != nil {
			c.met.ActiveConns.Dec()
			if err != nil {
				c.met.ProtocolErrors.Inc()
			}
		}
		close(c.done)
		c.raw.Close()
		if err != nil {
			c.log.Warn("wire connection closed", "err", err)
		} else {
			c.log.Info("wire connection closed")
		}
	})
}

// Close transitions the connection to CLOSED and releases its socket.
// Safe to call multiple times and concurrently with Run.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

// Err returns the error that caused the connection to close, if any.
func (c *Conn) Err() error { return c.closeErr }

func msgTypeName(t uint8) string {
	names := [...]string{
		"feed", "handshake", "info", "have", "unhave",
		"want", "unwant", "request", "cancel", "data",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// encryptingWriter XORs every byte written to it with the XSalsa20
// keystream before forwarding to dst, advancing the cipher's byte
// counter by exactly what was written.
type encryptingWriter struct {
	dst    io.Writer
	cipher *streamCipher
}

func (w *encryptingWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	enc := make([]byte, len(p))
	w.cipher.XORKeyStream(enc, p)
	n, err := w.dst.Write(enc)
	if err != nil {
		return 0, err
	}
	if n != len(enc) {
		return 0, io.ErrShortWrite
	}
	return len(p), nil
}

// decryptingReader is encryptingWriter's mirror image for reads.
type decryptingReader struct {
	src    io.Reader
	cipher *streamCipher
}

func (r *decryptingReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.cipher.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}
