// Package group is the façade gluing the EVS engine, GCache ring and
// state/quorum exchange to the application API of spec §6: open, close,
// send, recv, set_last_applied, set_pkt_size. It is the composition root,
// grounded on the teacher's daemon/rungroup wiring in ais/daemon.go.
package group

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/evs"
	"github.com/codership/gcommgo/gcomm/frag"
	"github.com/codership/gcommgo/gcomm/uuid"
	"github.com/codership/gcommgo/gcs/gcache"
	"github.com/codership/gcommgo/gcs/state"
	"github.com/codership/gcommgo/stats"
)

// ItemType is the delivered item's `type` field (spec §6).
type ItemType int

const (
	ItemData ItemType = iota
	ItemService
	ItemCommitCut
	ItemConfChange
	ItemStateReq
	ItemSync
	ItemFlow
	ItemError
	ItemQuorum // spec §4.4: compute_quorum's verdict, once a component's state exchange completes
)

// Item is what recv() hands back to the application (spec §6).
type Item struct {
	Type        ItemType
	Payload     []byte
	View        *evs.View
	GlobalSeqno cmn.Seqno
	LocalSeqno  cmn.Seqno
	SenderIdx   int
	IsLocal     bool
	Quorum      state.QuorumResult
}

// Handle is a single open channel connection: one EVS engine, one GCache
// ring, one recv queue (spec §6 "open(channel_name, transport_uri) →
// Handle").
type Handle struct {
	mu sync.Mutex

	channelName string
	self        uuid.UUID
	proto       *evs.Proto
	cache       *gcache.Ring
	cfg         *cmn.Config
	rg          *cmn.RunGroup
	recvCh      chan Item
	closing     chan struct{}

	defrags map[uuid.UUID]*frag.Defragmenter
	pktSize int

	lastApplied cmn.Seqno
	stats       *stats.Tracker

	// Group state exchange (spec §4.4), driven from onDelivered's
	// DeliveryConfChange case and fed by DeliveryStateUUID/DeliveryStateMsg.
	groupUUID        uuid.UUID
	primUUID         uuid.UUID
	primJoined       int
	primSeqno        int64
	stateUUID        uuid.UUID
	stateUUIDAdopted bool
	stateMsgs        map[uuid.UUID]state.Message
	stateExpected    int
}

// Open starts an EVS engine bound to transport and a GCache ring rooted
// at cachePath, wiring the protocol's timers into a RunGroup (spec §6
// "open"). channelName is carried only for logging; real group identity
// comes from the transport-level component membership.
func Open(channelName string, self uuid.UUID, cfg *cmn.Config, transport evs.Transport, cachePath string) (*Handle, error) {
	h := &Handle{
		channelName: channelName,
		self:        self,
		cfg:         cfg,
		rg:          cmn.NewRunGroup(),
		recvCh:      make(chan Item, 1024),
		closing:     make(chan struct{}),
		defrags:     make(map[uuid.UUID]*frag.Defragmenter),
		pktSize:     1400,
		groupUUID:   uuid.New(),
	}

	cache, err := openOrRecoverCache(cachePath, cfg.GCache.Size)
	if err != nil {
		return nil, cmn.NewError("group.Open", cmn.KindIOError, err)
	}
	h.cache = cache

	tr, err := stats.New(channelName)
	if err != nil {
		cache.Close()
		return nil, err
	}
	h.stats = tr

	h.proto = evs.NewProto(self, evs.ConfigFromCmn(cfg.EVS), transport, h.onDelivered)
	if err := h.proto.Connect(); err != nil {
		cache.Close()
		return nil, err
	}

	h.rg.Add(newTimerRunner(500*time.Millisecond, func() { h.withLock(h.proto.TickInactivity) }), "inactivity")
	h.rg.Add(newTimerRunner(cfg.EVS.RetransPeriod, func() { h.withLock(h.proto.TickRetrans) }), "retrans")
	h.rg.Add(newTimerRunner(cfg.EVS.InstallTimeout, func() { h.withLock(h.proto.TickInstall) }), "install")
	h.rg.Add(newTimerRunner(cfg.EVS.InactiveCheckPeriod, func() { h.withLock(h.proto.TickDelayed) }), "delayed")
	h.rg.Add(newTimerRunner(cfg.EVS.StatsReportPeriod, h.reportStats), "stats")
	go func() {
		_ = h.rg.Run()
	}()

	cmn.Log.Infof("group %q opened, self=%s", channelName, self.Short())
	return h, nil
}

// openOrRecoverCache recovers an existing ring in place (spec §4.5
// "recovery on restart") rather than blindly truncating over it -- Open
// only runs for a genuinely fresh cachePath.
func openOrRecoverCache(cachePath string, size int64) (*gcache.Ring, error) {
	if fi, err := os.Stat(cachePath); err == nil {
		if fi.Size() > 0 {
			return gcache.Recover(cachePath)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return gcache.Open(cachePath, size)
}

func (h *Handle) withLock(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f()
}

// reportStats samples the engine's InputMap depth and the GCache ring's
// occupied span into the Prometheus gauges (cfg.EVS.StatsReportPeriod).
func (h *Handle) reportStats() {
	h.mu.Lock()
	depth := h.proto.InputMapDepth()
	h.mu.Unlock()
	h.stats.SetInputMapDepth(int64(depth))

	min, max := h.cache.SeqnoRange()
	if min.Valid() && max.Valid() {
		h.stats.SetGCacheOccupied(int64(max - min))
	}
}

// onDelivered is evs.Proto's delivery callback; it reassembles fragments
// via per-sender Defragmenters and pushes completed items to recvCh.
// DeliveryStateUUID/DeliveryStateMsg never reach the application directly
// -- they drive the internal state-exchange handshake that follows every
// DeliveryConfChange (spec §4.4).
func (h *Handle) onDelivered(d evs.Delivered) {
	switch d.Type {
	case evs.DeliveryStateUUID:
		h.onStateUUID(d.Sender, d.Payload)
		return
	case evs.DeliveryStateMsg:
		h.onStateMsg(d.Sender, d.Payload)
		return
	}

	item := Item{
		GlobalSeqno: d.GlobalSeqno,
		LocalSeqno:  d.LocalSeqno,
		IsLocal:     d.IsLocal,
	}
	switch d.Type {
	case evs.DeliveryConfChange:
		item.Type = ItemConfChange
		item.View = d.View
		h.stats.ViewChange()
		h.beginStateExchange(d.View)
	case evs.DeliveryService:
		item.Type = ItemService
	case evs.DeliveryCommitCut:
		item.Type = ItemCommitCut
	case evs.DeliveryStateReq:
		item.Type = ItemStateReq
	case evs.DeliverySync:
		item.Type = ItemSync
	case evs.DeliveryFlow:
		item.Type = ItemFlow
	case evs.DeliveryError:
		item.Type = ItemError
	default: // evs.DeliveryData
		item.Type = ItemData
		item.Payload = d.Payload
		if d.GlobalSeqno.Valid() {
			_ = h.cache.Put(d.Payload, d.GlobalSeqno)
		}
	}
	select {
	case h.recvCh <- item:
	default:
		cmn.Log.Warningf("group: recv queue full, dropping delivered item seqno=%d", d.GlobalSeqno)
	}
}

// beginStateExchange kicks off spec §4.4's post-install handshake: reset
// the collection for the newly installed view and nominate a state_uuid.
func (h *Handle) beginStateExchange(v *evs.View) {
	h.stateUUIDAdopted = false
	h.stateMsgs = make(map[uuid.UUID]state.Message)
	h.stateExpected = len(v.Members)
	if err := h.proto.SendStateUUID(uuid.New()); err != nil {
		cmn.Log.Warningf("group: broadcasting state_uuid: %v", err)
	}
}

// onStateUUID adopts the first state_uuid nominee seen for this round
// (spec §4.4 step 2: "first STATE_UUID received wins") and responds with
// this node's own StateMessage.
func (h *Handle) onStateUUID(sender uuid.UUID, payload []byte) {
	if h.stateUUIDAdopted {
		return
	}
	id, err := uuid.FromBytes(payload)
	if err != nil {
		cmn.Log.Warningf("group: malformed state_uuid from %s: %v", sender.Short(), err)
		return
	}
	h.stateUUID = id
	h.stateUUIDAdopted = true
	h.sendOwnStateMsg()
}

func (h *Handle) sendOwnStateMsg() {
	_, max := h.cache.SeqnoRange()
	msg := state.Message{
		StateUUID:    h.stateUUID,
		GroupUUID:    h.groupUUID,
		PrimUUID:     h.primUUID,
		PrimJoined:   h.primJoined,
		PrimSeqno:    h.primSeqno,
		ActSeqno:     max,
		CurrentState: state.StateSynced,
		Name:         h.channelName + "/" + h.self.Short(),
		Proto:        state.ProtoRange{Min: int(evs.HeaderVersion), Max: int(evs.HeaderVersion)},
	}
	body, err := state.Encode(msg)
	if err != nil {
		cmn.Log.Errorf("group: encoding state message: %v", err)
		return
	}
	if err := h.proto.SendStateMsg(body); err != nil {
		cmn.Log.Warningf("group: broadcasting state message: %v", err)
	}
}

// onStateMsg collects one peer's StateMessage; once every member of the
// installed view has reported in, it runs compute_quorum (spec §4.4 step
// 4) and hands the verdict up as an ItemQuorum.
func (h *Handle) onStateMsg(sender uuid.UUID, payload []byte) {
	if h.stateMsgs == nil || h.stateExpected == 0 {
		return // no state exchange in flight, e.g. a stray retransmit
	}
	m, err := state.Decode(payload)
	if err != nil {
		cmn.Log.Warningf("group: malformed state message from %s: %v", sender.Short(), err)
		return
	}
	h.stateMsgs[sender] = m
	if len(h.stateMsgs) < h.stateExpected {
		return
	}

	states := make([]state.Message, 0, len(h.stateMsgs))
	for _, s := range h.stateMsgs {
		states = append(states, s)
	}
	result := h.ResolvePrimary(states)
	if result.Primary {
		h.primUUID = h.proto.View().Id.Rep
		h.primJoined = h.stateExpected
		h.primSeqno++
	}
	h.stateExpected = 0

	select {
	case h.recvCh <- Item{Type: ItemQuorum, Quorum: result, View: h.proto.View()}:
	default:
		cmn.Log.Warningf("group: recv queue full, dropping quorum result")
	}
}

// HandleWireMessage feeds one decoded transport message into the engine
// (the transport package calls this for every received datagram).
func (h *Handle) HandleWireMessage(sender uuid.UUID, msgType evs.MsgType, buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.MessageReceived(len(buf))
	return h.proto.HandleMessage(sender, msgType, buf)
}

// HandleComponent feeds a transport component-change event into the engine.
func (h *Handle) HandleComponent(members []uuid.UUID, primary bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proto.HandleComponent(members, primary)
}

// ResolvePrimary runs compute_quorum over the StateMessages collected
// after a component installs (spec §4.4). onStateMsg collects one
// state.Message per member (via STATE_UUID then StateMessage broadcast)
// and passes them here once all are in.
func (h *Handle) ResolvePrimary(states []state.Message) state.QuorumResult {
	r := state.ComputeQuorum(states)
	cmn.Log.Infof("group: quorum result: %s", r)
	return r
}

// Send implements the application send() call (spec §6), fragmenting
// payload per SetPktSize before handing each piece to the engine.
func (h *Handle) Send(payload []byte, userType uint8) (cmn.Seqno, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := time.Now()
	var last cmn.Seqno
	frags := frag.Fragment(uint64(time.Now().UnixNano())|1, frag.ActionData, payload, h.pktSize)
	for _, f := range frags {
		buf := make([]byte, frag.HeaderSize+len(f.Chunk))
		frag.Encode(buf[:frag.HeaderSize], f.Header)
		copy(buf[frag.HeaderSize:], f.Chunk)
		seq, err := h.proto.SendUser(buf, userType)
		if err != nil {
			if cmn.KindOf(err) == cmn.KindWouldBlock {
				h.stats.WouldBlock()
			}
			return 0, err
		}
		h.stats.MessageSent(len(buf))
		last = seq
	}
	h.stats.ObserveSendLatency(time.Since(start))
	return last, nil
}

// Recv implements the application recv() call (spec §6), blocking until
// the engine delivers an item or the handle is closed.
func (h *Handle) Recv() (Item, error) {
	select {
	case item, ok := <-h.recvCh:
		if !ok {
			return Item{}, cmn.NewError("group.Recv", cmn.KindConnAborted, fmt.Errorf("EOF"))
		}
		return item, nil
	case <-h.closing:
		return Item{}, cmn.NewError("group.Recv", cmn.KindConnAborted, fmt.Errorf("EOF"))
	}
}

// SetLastApplied records the highest seqno the application has durably
// applied (reported by Stats) and marks that seqno RELEASED in GCache
// (spec §6 "set_last_applied"). The send window does not depend on it.
func (h *Handle) SetLastApplied(seqno cmn.Seqno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastApplied = seqno
	if err := h.cache.Release(seqno); err != nil {
		cmn.Log.Warningf("group: release seqno=%d: %v", seqno, err)
	}
}

// View returns the engine's current view for introspection endpoints
// (spec §6 "view()").
func (h *Handle) View() *evs.View {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proto.View()
}

// Stats reports a small snapshot of engine state, grounded on the
// teacher's stats.Tracker-style named-counter snapshots.
func (h *Handle) Stats() map[string]interface{} {
	h.mu.Lock()
	state := h.proto.State()
	h.mu.Unlock()
	min, max := h.cache.SeqnoRange()
	return map[string]interface{}{
		"state":             state.String(),
		"last_applied":      h.lastApplied,
		"gcache_min_seqno":  min,
		"gcache_max_seqno":  max,
	}
}

// CacheRange reports the GCache ring's occupied seqno span.
func (h *Handle) CacheRange() (min, max cmn.Seqno) {
	return h.cache.SeqnoRange()
}

// SetPktSize adjusts fragmentation (spec §6 "set_pkt_size").
func (h *Handle) SetPktSize(bytes int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bytes > frag.HeaderSize {
		h.pktSize = bytes - frag.HeaderSize
	}
}

// Close implements the application close(): OPERATIONAL -> LEAVING,
// blocking the event loop until our own LEAVE is safely delivered (spec
// §5 "close() ... waits ... until own LEAVE is safely delivered").
func (h *Handle) Close() error {
	h.mu.Lock()
	err := h.proto.Close()
	h.mu.Unlock()
	if err != nil {
		return err
	}
	deadline := time.After(10 * time.Second)
	for {
		h.mu.Lock()
		state := h.proto.State()
		h.mu.Unlock()
		if state == evs.StateClosed {
			break
		}
		select {
		case <-deadline:
			cmn.Log.Warningf("group: close() timed out waiting for own LEAVE delivery")
			goto done
		case <-time.After(10 * time.Millisecond):
		}
	}
done:
	h.rg.Stop(nil)
	close(h.closing)
	close(h.recvCh)
	stats.Unregister(h.channelName)
	return h.cache.Close()
}
