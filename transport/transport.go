// Package transport is the reference "transport-below" implementation the
// spec leaves pluggable behind evs.Transport: a TCP multicaster that fans a
// single Send(buf) out to every known peer and reassembles inbound frames
// back into (sender, msgType, buf) callbacks. It generalizes the teacher's
// broadcast()/call() pair in ais/httpcommon.go from a request/response HTTP
// fan-out into a persistent, length-prefixed datagram fan-out, and keeps a
// debug HTTP server in the same h2c-wrapped shape for introspection.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/evs"
	"github.com/codership/gcommgo/gcomm/uuid"
)

const (
	frameLenSize   = 4
	maxFrameLen    = 16 << 20
	dialTimeout    = 3 * time.Second
	writeTimeout   = 5 * time.Second
)

// Peer identifies one group member's multicast-below address.
type Peer struct {
	ID   uuid.UUID
	Addr string
}

// Multicaster implements evs.Transport over plain persistent TCP
// connections to every currently known peer, grounded on the teacher's
// broadcast() goroutine-per-node fan-out (ais/httpcommon.go) generalized
// from one-shot HTTP calls to long-lived connections.
type Multicaster struct {
	mu    sync.Mutex
	self  uuid.UUID
	peers map[uuid.UUID]*peerConn

	listener net.Listener

	onMessage   func(sender uuid.UUID, msgType evs.MsgType, buf []byte)
	onComponent func(members []uuid.UUID, primary bool)

	closed chan struct{}
}

type peerConn struct {
	addr string
	mu   sync.Mutex
	conn net.Conn
}

// NewMulticaster opens listenAddr for inbound peer connections and returns
// a Multicaster bound to self. onMessage is invoked (from a per-connection
// goroutine) for every decoded inbound frame; onComponent is called only
// from SetPeers, which reports the configured peer set as the component,
// standing in for the teacher's Smap-driven membership sync.
func NewMulticaster(self uuid.UUID, listenAddr string, onMessage func(uuid.UUID, evs.MsgType, []byte), onComponent func([]uuid.UUID, bool)) (*Multicaster, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, cmn.NewError("transport.NewMulticaster", cmn.KindIOError, err)
	}
	m := &Multicaster{
		self:        self,
		peers:       make(map[uuid.UUID]*peerConn),
		listener:    ln,
		onMessage:   onMessage,
		onComponent: onComponent,
		closed:      make(chan struct{}),
	}
	go m.acceptLoop()
	return m, nil
}

func (m *Multicaster) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closed:
				return
			default:
				cmn.Log.Warningf("transport: accept: %v", err)
				return
			}
		}
		go m.readLoop(conn)
	}
}

// readLoop reads length-prefixed frames off an inbound connection until it
// errors or closes, peeking each frame's header to recover (sender, type)
// without fully decoding the message body.
func (m *Multicaster) readLoop(conn net.Conn) {
	defer conn.Close()
	lenBuf := make([]byte, frameLenSize)
	for {
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		n := binary.LittleEndian.Uint32(lenBuf)
		if n == 0 || n > maxFrameLen {
			cmn.Log.Warningf("transport: rejecting frame of %d bytes from %s", n, conn.RemoteAddr())
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		h, _, err := evs.DecodeHeader(buf)
		if err != nil {
			cmn.Log.Warningf("transport: malformed frame from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		m.onMessage(h.Source, h.Type, buf)
	}
}

// SetPeers replaces the known peer set, closing connections to dropped
// peers and lazily establishing new ones (dialed on first Send), then
// reports the resulting membership as a component change.
func (m *Multicaster) SetPeers(peers []Peer, primary bool) {
	m.mu.Lock()
	next := make(map[uuid.UUID]*peerConn, len(peers))
	members := make([]uuid.UUID, 0, len(peers)+1)
	members = append(members, m.self)
	for _, p := range peers {
		if p.ID == m.self {
			continue
		}
		if existing, ok := m.peers[p.ID]; ok && existing.addr == p.Addr {
			next[p.ID] = existing
		} else {
			next[p.ID] = &peerConn{addr: p.Addr}
		}
		members = append(members, p.ID)
	}
	for id, pc := range m.peers {
		if _, stillKnown := next[id]; !stillKnown {
			pc.close()
		}
	}
	m.peers = next
	m.mu.Unlock()

	if m.onComponent != nil {
		m.onComponent(members, primary)
	}
}

// Send fans buf out to every known peer concurrently, grounded on the
// teacher's broadcast()'s WaitGroup fan-out; it returns the first error
// encountered (if any), after waiting for every peer to finish. It also
// always loops the frame back to this node's own onMessage, the way real
// multicast-with-loopback transports (Galera's GMCast included) deliver a
// sender's own broadcast back to itself -- the engine above relies on
// seeing its own JOIN/STATE_UUID/etc. arrive through this same path, so a
// transport that only fanned out to peers would never let a lone or
// newly-joining node reach consensus with itself. Dispatched on its own
// goroutine so a Send() issued from inside the engine's own message
// handler (which may be holding the engine's lock) can't deadlock against
// onMessage re-entering that handler synchronously.
func (m *Multicaster) Send(buf []byte) error {
	if m.onMessage != nil {
		if h, _, err := evs.DecodeHeader(buf); err == nil {
			go m.onMessage(h.Source, h.Type, buf)
		} else {
			cmn.Log.Warningf("transport: Send: decode own frame: %v", err)
		}
	}

	m.mu.Lock()
	peers := make([]*peerConn, 0, len(m.peers))
	for _, pc := range m.peers {
		peers = append(peers, pc)
	}
	m.mu.Unlock()

	if len(peers) == 0 {
		return nil
	}

	errCh := make(chan error, len(peers))
	var wg sync.WaitGroup
	for _, pc := range peers {
		wg.Add(1)
		go func(pc *peerConn) {
			defer wg.Done()
			errCh <- pc.send(buf)
		}(pc)
	}
	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return cmn.NewError("transport.Send", cmn.KindIOError, first)
	}
	return nil
}

// Close shuts the listener and every peer connection down.
func (m *Multicaster) Close() error {
	close(m.closed)
	err := m.listener.Close()
	m.mu.Lock()
	for _, pc := range m.peers {
		pc.close()
	}
	m.mu.Unlock()
	return err
}

func (pc *peerConn) send(buf []byte) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.conn == nil {
		conn, err := net.DialTimeout("tcp", pc.addr, dialTimeout)
		if err != nil {
			return fmt.Errorf("dial %s: %w", pc.addr, err)
		}
		pc.conn = conn
	}

	lenBuf := make([]byte, frameLenSize)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(buf)))
	pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := pc.conn.Write(lenBuf); err == nil {
		_, err = pc.conn.Write(buf)
		if err == nil {
			return nil
		}
	}
	// write failed: drop the connection so the next send redials.
	pc.conn.Close()
	pc.conn = nil
	return fmt.Errorf("write to %s failed, will redial next send", pc.addr)
}

func (pc *peerConn) close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
}

var _ evs.Transport = (*Multicaster)(nil)
