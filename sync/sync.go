// Copyright (c) 2019-2026 The Geniza Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package sync implements the synchronization primitives spec.md §1
// scopes in: per-peer state (remote have-ranges), per-feed in-flight
// requests, and the want/have reaction loop that emits outgoing messages on
// incoming events. It deliberately does not implement connection-count
// or bandwidth policy (spec.md §1's scope line), nor which peer to ask
// first — that is left to a caller. Grounded on
// original_source/src/synchronizer.rs's RegisterStatus/SyncMode shape
// (SPEC_FULL.md §C.3).
package sync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	stdsync "sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/bnewbold/geniza/drive"
	"github.com/bnewbold/geniza/internal/logging"
	"github.com/bnewbold/geniza/metrics"
	"github.com/bnewbold/geniza/register"
	"github.com/bnewbold/geniza/wire"
)

// Mode selects which direction(s) a Synchronizer drives traffic in,
// mirroring original_source/src/synchronizer.rs's SyncMode.
type Mode int

const (
	// ModeRxMax requests every entry the peer advertises (a clone).
	// The synchronizer treats it exactly like ModeRxEndless: every
	// later Have also triggers Requests, and it never stops by itself;
	// ending a one-shot clone is left to the caller.
	ModeRxMax Mode = iota
	// ModeRxEndless keeps requesting new entries as the peer
	// advertises them, indefinitely (a live mirror).
	ModeRxEndless
	// ModeTxEndless only serves Requests; it never originates one.
	ModeTxEndless
	// ModeRxTxEndless both serves and requests, indefinitely.
	ModeRxTxEndless
)

func (m Mode) wantsDownload() bool {
	return m == ModeRxMax || m == ModeRxEndless || m == ModeRxTxEndless
}

// Errors returned by this package.
var (
	// ErrUnknownFeed is returned when a peer references a feed index
	// this synchronizer has no register for.
	ErrUnknownFeed = errors.New("sync: unknown feed index")
	// ErrFeedKeyMismatch is returned when a peer introduces a feed
	// whose discovery key doesn't match what this synchronizer
	// expects for that index (SPEC_FULL.md's decision for spec.md §9
	// open question (c)).
	ErrFeedKeyMismatch = errors.New("sync: introduced feed's discovery key does not match")
)

// feedSync is the per-register half of synchronization state: the
// register itself, its public key, and the set of entries this side
// has requested and not yet received. Shared across all peers (it
// describes what *we* asked for), unlike PeerState which is
// per-connection.
type feedSync struct {
	reg    *register.Register
	pubKey ed25519.PublicKey

	mu       stdsync.Mutex
	inflight *bitset.BitSet
}

func newFeedSync(reg *register.Register, pubKey ed25519.PublicKey) *feedSync {
	return &feedSync{reg: reg, pubKey: pubKey, inflight: bitset.New(0)}
}

// PeerState is the per-connection state a Synchronizer keeps: the wire
// connection, and what this peer has told us it holds on each feed
// (spec.md §5's "state kept per peer").
type PeerState struct {
	ID   uint64
	Conn *wire.Conn

	mu            stdsync.Mutex
	remoteHighest map[uint32]uint64 // feed -> exclusive upper bound peer claims to hold
	downloading   map[uint32]bool
	uploading     map[uint32]bool
}

// RemoteHighest returns the exclusive upper bound of entries feedIndex
// this peer has advertised holding, or 0 if none yet.
func (p *PeerState) RemoteHighest(feedIndex uint32) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteHighest[feedIndex]
}

// ContentOpener is called the first time a drive synchronizer learns
// its peer's content register public key from the metadata feed's
// Index entry, so the caller can create or open the matching local
// content register (original_source/src/synchronizer.rs's
// `SleepDirRegister::create(&dir, "content")`).
type ContentOpener func(pub ed25519.PublicKey) (*register.Register, error)

// Synchronizer reacts to incoming wire messages on behalf of the local
// registers it is given, emitting the matching Have/Want/Request/Data
// traffic. One Synchronizer can drive many peers concurrently; peer
// state is independent, but the set of feeds (and what's wanted on
// each) is shared, matching original_source/src/synchronizer.rs's
// single `registers: Vec<RegisterStatus>` shared across all peers.
type Synchronizer struct {
	mode    Mode
	localID [32]byte
	log     logging.Logger
	met     *metrics.Sync

	mu            stdsync.Mutex
	feeds         map[uint32]*feedSync
	contentOpener ContentOpener
	peers         map[uint64]*PeerState
	nextPeerID    uint64
}

// NewSynchronizer creates a Synchronizer driving a single register on
// feed 0 (e.g. a bare register clone, not a drive).
func NewSynchronizer(mode Mode, feed0 *register.Register, log logging.Logger, met *metrics.Sync) (*Synchronizer, error) {
	log = logging.OrNoOp(log)
	if met == nil {
		met = metrics.NewSync(nil)
	}
	var localID [32]byte
	if _, err := rand.Read(localID[:]); err != nil {
		return nil, fmt.Errorf("sync: generate local id: %w", err)
	}
	s := &Synchronizer{
		mode:    mode,
		localID: localID,
		log:     log,
		met:     met,
		feeds:   map[uint32]*feedSync{0: newFeedSync(feed0, feed0.PublicKey())},
		peers:   make(map[uint64]*PeerState),
	}
	return s, nil
}

// NewDriveSynchronizer creates a Synchronizer for a drive's metadata
// feed, lazily adding the content feed once a peer's Data message
// reveals its public key (spec.md §3's Index record). opener is
// required when metadata is not itself writable from a complete local drive
// (a downloader cloning a drive it doesn't yet hold); it may be nil
// when content is already known and should be added via AddFeed
// directly instead.
func NewDriveSynchronizer(mode Mode, metadata *register.Register, opener ContentOpener, log logging.Logger, met *metrics.Sync) (*Synchronizer, error) {
	s, err := NewSynchronizer(mode, metadata, log, met)
	if err != nil {
		return nil, err
	}
	s.contentOpener = opener
	return s, nil
}

// AddFeed registers an already-open register as feed index idx (e.g.
// the content feed of a drive this side already holds in full). It is
// an error to reassign an existing feed index.
func (s *Synchronizer) AddFeed(idx uint32, reg *register.Register) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.feeds[idx]; exists {
		return fmt.Errorf("sync: feed %d already registered", idx)
	}
	s.feeds[idx] = newFeedSync(reg, reg.PublicKey())
	return nil
}

// AddPeer attaches conn (already past the wire handshake, i.e. OPEN)
// to this synchronizer and sends the initial Info/Have/Unhave/Want
// burst on feed 0, matching original_source/src/synchronizer.rs's
// `init_want_everything`.
func (s *Synchronizer) AddPeer(conn *wire.Conn) (*PeerState, error) {
	s.mu.Lock()
	id := s.nextPeerID
	s.nextPeerID++
	s.mu.Unlock()

	p := &PeerState{
		ID:            id,
		Conn:          conn,
		remoteHighest: make(map[uint32]uint64),
		downloading:   make(map[uint32]bool),
		uploading:     make(map[uint32]bool),
	}
	s.mu.Lock()
	s.peers[id] = p
	s.mu.Unlock()
	s.met.PeersConnected.Set(float64(len(s.peers)))

	if err := s.initWantEverything(p, 0); err != nil {
		return nil, err
	}
	s.log.Info("peer attached", "peerID", id)
	return p, nil
}

// RemovePeer drops a peer's state once its connection has closed.
func (s *Synchronizer) RemovePeer(p *PeerState) {
	s.mu.Lock()
	delete(s.peers, p.ID)
	n := len(s.peers)
	s.mu.Unlock()
	s.met.PeersConnected.Set(float64(n))
}

// initWantEverything announces downloading-only interest on feedIndex
// and asks for the peer's full range, per
// original_source/src/synchronizer.rs's init_want_everything.
func (s *Synchronizer) initWantEverything(p *PeerState, feedIndex uint32) error {
	if !s.mode.wantsDownload() {
		return nil
	}
	if err := p.Conn.Send(feedIndex, wire.MsgInfo, wire.Info{Uploading: false, Downloading: true}.Marshal()); err != nil {
		return err
	}
	if err := p.Conn.Send(feedIndex, wire.MsgHave, wire.Have{Start: 0, Length: 0}.Marshal()); err != nil {
		return err
	}
	if err := p.Conn.Send(feedIndex, wire.MsgUnhave, wire.Unhave{Start: 0}.Marshal()); err != nil {
		return err
	}
	if err := p.Conn.Send(feedIndex, wire.MsgWant, wire.Want{Start: 0, Length: ^uint64(0)}.Marshal()); err != nil {
		return err
	}
	p.mu.Lock()
	p.downloading[feedIndex] = true
	p.mu.Unlock()
	return nil
}

// Serve reads frames from p.Conn.Incoming() and reacts to each one
// until the channel closes (the connection died) or ctx is done. It is
// the synchronizer-level counterpart to wire.Conn.Run — callers
// typically run both concurrently (e.g. via golang.org/x/sync/errgroup).
func (s *Synchronizer) Serve(ctx context.Context, p *PeerState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-p.Conn.Incoming():
			if !ok {
				return p.Conn.Err()
			}
			if err := s.handleFrame(p, f); err != nil {
				s.log.Warn("dropping peer after handler error", "peerID", p.ID, "err", err)
				p.Conn.Close()
				return err
			}
		}
	}
}

func (s *Synchronizer) feed(idx uint32) (*feedSync, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.feeds[idx]
	return fs, ok
}

// handleFrame dispatches one decoded wire.Frame to the matching
// reaction, per spec.md §4.4's message table. A Want is answered with
// a Have covering every entry held on that feed, so a side that never
// announces its own data (ModeTxEndless) still lets a downloader
// start. Messages this package has no policy for (Unhave, Unwant,
// Cancel) are accepted and otherwise ignored, matching
// original_source/src/synchronizer.rs's "// PASS" arms —
// connection-count and retransmission policy are out of scope
// (spec.md §1).
func (s *Synchronizer) handleFrame(p *PeerState, f wire.Frame) error {
	switch f.MsgType {
	case wire.MsgFeed:
		return s.handleFeed(p, f)
	case wire.MsgHandshake:
		return nil // consumed once during wire.Conn's own handshake
	case wire.MsgInfo:
		info, err := wire.UnmarshalInfo(f.Payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.uploading[f.FeedIndex] = info.Uploading
		p.downloading[f.FeedIndex] = info.Downloading
		p.mu.Unlock()
		return nil
	case wire.MsgHave:
		return s.handleHave(p, f)
	case wire.MsgUnhave, wire.MsgUnwant, wire.MsgCancel:
		return nil
	case wire.MsgWant:
		fs, ok := s.feed(f.FeedIndex)
		if !ok {
			return nil
		}
		n, err := fs.reg.Length()
		if err != nil || n == 0 {
			return err
		}
		return p.Conn.Send(f.FeedIndex, wire.MsgHave, wire.Have{Start: 0, Length: n}.Marshal())
	case wire.MsgRequest:
		return s.handleRequest(p, f)
	case wire.MsgData:
		return s.handleData(p, f)
	default:
		return fmt.Errorf("sync: unhandled message type %d", f.MsgType)
	}
}

// handleFeed accepts an additional feed introduced mid-connection
// (spec.md §4.4, §9 open question (c)): this implementation requires
// the discovery key to already match a feed this synchronizer knows
// about (e.g. because a prior Data message on feed 0 revealed a
// drive's content register key), closing the connection otherwise.
func (s *Synchronizer) handleFeed(p *PeerState, f wire.Frame) error {
	feedMsg, err := wire.UnmarshalFeed(f.Payload)
	if err != nil {
		return err
	}
	fs, ok := s.feed(f.FeedIndex)
	if !ok {
		return fmt.Errorf("%w: feed %d", ErrUnknownFeed, f.FeedIndex)
	}
	discKey := register.DiscoveryKeyFor(fs.pubKey)
	if len(feedMsg.DiscoveryKey) != 32 || string(feedMsg.DiscoveryKey) != string(discKey[:]) {
		return ErrFeedKeyMismatch
	}
	return s.initWantEverything(p, f.FeedIndex)
}

// MaxIndex computes how far a Have message's advertisement reaches:
// without a bitfield, the exclusive upper bound start+length (length
// defaulting to 1 when absent, per spec.md §4.4); with a bitfield,
// register.MaxHighBit of the decoded bitfield, returned as is. This matches
// original_source/src/synchronizer.rs's max_index and its test vectors
// (spec.md §8).
func MaxIndex(h wire.Have) (uint64, error) {
	if len(h.Bitfield) > 0 {
		bf, err := register.DecodeBitfield(h.Bitfield)
		if err != nil {
			return 0, err
		}
		return register.MaxHighBit(bf), nil
	}
	return h.Start + h.Length, nil
}

// handleHave updates the peer's advertised range for a feed and, in a
// downloading mode, issues Requests for every entry we don't already
// hold or have in flight.
func (s *Synchronizer) handleHave(p *PeerState, f wire.Frame) error {
	have, err := wire.UnmarshalHave(f.Payload)
	if err != nil {
		return err
	}
	maxIdx, err := MaxIndex(have)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if maxIdx > p.remoteHighest[f.FeedIndex] {
		p.remoteHighest[f.FeedIndex] = maxIdx
	}
	p.mu.Unlock()

	if !s.mode.wantsDownload() {
		return nil
	}
	fs, ok := s.feed(f.FeedIndex)
	if !ok {
		return nil // peer is ahead of a feed we haven't added yet
	}
	have2, err := fs.reg.Length()
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := have2; i < maxIdx; i++ {
		if fs.inflight.Test(uint(i)) {
			continue
		}
		if err := p.Conn.Send(f.FeedIndex, wire.MsgRequest, wire.Request{Index: i, Nodes: 1}.Marshal()); err != nil {
			return err
		}
		fs.inflight.Set(uint(i))
		s.met.RequestsSent.Inc()
		s.met.RequestsInFlight.Inc()
	}
	return nil
}

// handleRequest serves a peer's Request for one data entry, attaching
// the Merkle proof nodes and signature that let the peer authenticate
// it without holding our tree file (spec.md §4.4's Data message
// shape).
func (s *Synchronizer) handleRequest(p *PeerState, f wire.Frame) error {
	req, err := wire.UnmarshalRequest(f.Payload)
	if err != nil {
		return err
	}
	fs, ok := s.feed(f.FeedIndex)
	if !ok {
		return fmt.Errorf("%w: feed %d", ErrUnknownFeed, f.FeedIndex)
	}
	held, err := fs.reg.Has(req.Index)
	if err != nil {
		return err
	}
	if !held {
		return nil // nothing to serve yet; the peer may retry later
	}
	value, err := fs.reg.GetDataEntry(req.Index)
	if err != nil {
		return err
	}
	sig, err := fs.reg.Signature(req.Index)
	if err != nil {
		return err
	}
	var wireNodes []wire.DataNode
	if req.Hash || req.Nodes > 0 {
		nodes, err := fs.reg.Proof(req.Index)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			wireNodes = append(wireNodes, wire.DataNode{Index: n.Index, Hash: n.Hash[:], Size: n.Size})
		}
	}
	data := wire.Data{Index: req.Index, Value: value, Nodes: wireNodes, Signature: sig}
	return p.Conn.Send(f.FeedIndex, wire.MsgData, data.Marshal())
}

// handleData verifies and applies an incoming Data message, and — on
// the metadata feed's entry 0 of a drive synchronizer — discovers and
// opens the content feed.
func (s *Synchronizer) handleData(p *PeerState, f wire.Frame) error {
	dm, err := wire.UnmarshalData(f.Payload)
	if err != nil {
		return err
	}
	fs, ok := s.feed(f.FeedIndex)
	if !ok {
		return fmt.Errorf("%w: feed %d", ErrUnknownFeed, f.FeedIndex)
	}

	fs.mu.Lock()
	fs.inflight.Clear(uint(dm.Index))
	fs.mu.Unlock()
	s.met.RequestsInFlight.Dec()

	var proofNodes []register.Node
	for _, n := range dm.Nodes {
		var h [32]byte
		copy(h[:], n.Hash)
		proofNodes = append(proofNodes, register.Node{Index: n.Index, Hash: h, Size: n.Size})
	}
	if err := fs.reg.PutVerified(fs.pubKey, dm.Index, dm.Value, proofNodes, dm.Signature); err != nil {
		s.met.VerifyFailures.Inc()
		return fmt.Errorf("sync: verify feed %d entry %d: %w", f.FeedIndex, dm.Index, err)
	}
	s.met.DataReceived.Inc()
	s.log.Debug("applied data entry", "feed", f.FeedIndex, "index", dm.Index)

	if f.FeedIndex == 0 && dm.Index == 0 && s.contentOpener != nil {
		if err := s.addContentFeed(p, dm.Value); err != nil {
			return err
		}
	}
	return nil
}

// addContentFeed parses a drive's Index entry, opens or creates the
// matching local content register via s.contentOpener, registers it as
// feed 1, announces it to the peer, and requests its full range —
// original_source/src/synchronizer.rs's "if self.registers.len() < 2"
// branch.
func (s *Synchronizer) addContentFeed(p *PeerState, indexValue []byte) error {
	idx, err := drive.ParseIndex(indexValue)
	if err != nil {
		return fmt.Errorf("sync: parse drive index: %w", err)
	}
	contentPub := ed25519.PublicKey(idx.Content)

	s.mu.Lock()
	if _, exists := s.feeds[1]; exists {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	contentReg, err := s.contentOpener(contentPub)
	if err != nil {
		return fmt.Errorf("sync: open content register: %w", err)
	}
	if err := s.AddFeed(1, contentReg); err != nil {
		return err
	}

	discKey := register.DiscoveryKeyFor(contentPub)
	if err := p.Conn.SendFeed(1, discKey); err != nil {
		return err
	}
	return s.initWantEverything(p, 1)
}
