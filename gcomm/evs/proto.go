package evs

import (
	"fmt"
	"time"

	"github.com/codership/gcommgo/cmn"
	"github.com/codership/gcommgo/gcomm/uuid"
)

// State is one of the EVS protocol engine's states (spec §4.3):
// CLOSED -> JOINING -> (GATHER <-> INSTALL) -> OPERATIONAL -> LEAVING -> CLOSED.
type State int

const (
	StateClosed State = iota
	StateJoining
	StateGather
	StateInstall
	StateOperational
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateJoining:
		return "JOINING"
	case StateGather:
		return "GATHER"
	case StateInstall:
		return "INSTALL"
	case StateOperational:
		return "OPERATIONAL"
	case StateLeaving:
		return "LEAVING"
	default:
		return "UNKNOWN"
	}
}

// DeliveryType classifies an item handed up to the application (spec §6).
type DeliveryType int

const (
	DeliveryData DeliveryType = iota
	DeliveryService
	DeliveryCommitCut
	DeliveryConfChange
	DeliveryStateReq
	DeliverySync
	DeliveryFlow
	DeliveryError
	DeliveryStateUUID // gcs/group-internal: a peer's state_uuid nominee (spec §4.4 step 1)
	DeliveryStateMsg  // gcs/group-internal: a peer's state.Message body (spec §4.4 step 3)
)

// Delivered is one item passed up through the engine's delivery callback.
type Delivered struct {
	Type        DeliveryType
	Payload     []byte
	View        *View
	GlobalSeqno cmn.Seqno
	LocalSeqno  cmn.Seqno
	Sender      uuid.UUID
	IsLocal     bool
}

// Transport is the datagram interface the engine consumes beneath it
// (spec §6 "Transport-below interface"). The concrete reference
// implementation lives in package transport.
type Transport interface {
	Send(buf []byte) error
}

// Config bundles the evs.* timer/window parameters the engine needs,
// narrowed from cmn.EVSConf at construction time.
type Config struct {
	SendWindow         cmn.Seqno
	UserSendWindow     cmn.Seqno
	SuspectTimeout     time.Duration
	InactiveTimeout    time.Duration
	InstallTimeout     time.Duration
	RetransPeriod      time.Duration
	JoinRetransPeriod  time.Duration
	MaxInstallTimeouts int
	AutoEvict          int           // evs.auto_evict: 0 disables DELAYED_LIST-driven eviction
	DelayedListPeriod  time.Duration // how often TickDelayed runs
}

// ConfigFromCmn narrows a cmn.EVSConf into the engine's Config.
func ConfigFromCmn(c cmn.EVSConf) Config {
	return Config{
		SendWindow:         cmn.Seqno(c.SendWindow),
		UserSendWindow:     cmn.Seqno(c.UserSendWindow),
		SuspectTimeout:     c.SuspectTimeout,
		InactiveTimeout:    c.InactiveTimeout,
		InstallTimeout:     c.InstallTimeout,
		RetransPeriod:      c.RetransPeriod,
		JoinRetransPeriod:  c.JoinRetransPeriod,
		MaxInstallTimeouts: c.MaxInstallTimeouts,
		AutoEvict:          c.AutoEvict,
		DelayedListPeriod:  c.InactiveCheckPeriod,
	}
}

// Proto is the EVS protocol engine (spec §4.3): the view-change state
// machine, the node table and the InputMap are all owned exclusively by
// whatever single goroutine drives it — see SPEC_FULL.md §7's concurrency
// model, grounded on the teacher's single-threaded targetrunner request loop.
type Proto struct {
	Self uuid.UUID
	Now  func() time.Time

	state State
	cfg   Config

	view  *View
	known map[uuid.UUID]*Node
	im    *InputMap

	myFifoSeq  int64
	lastSent   cmn.Seqno
	globalSeqno cmn.Seqno

	myJoinNodes map[uuid.UUID]MessageNode
	peerJoins   OperationalJoins
	commitVotes map[uuid.UUID]struct{}
	installMsg  *InstallMessage
	installAttempts int

	delayedCounts map[uuid.UUID]int64

	transport Transport
	deliver   func(Delivered)
}

// NewProto constructs an engine instance in CLOSED state.
func NewProto(self uuid.UUID, cfg Config, transport Transport, deliver func(Delivered)) *Proto {
	return &Proto{
		Self:        self,
		Now:         time.Now,
		state:       StateClosed,
		cfg:         cfg,
		known:       make(map[uuid.UUID]*Node),
		im:          NewInputMap(cfg.UserSendWindow),
		myJoinNodes:   make(map[uuid.UUID]MessageNode),
		peerJoins:     make(OperationalJoins),
		commitVotes:   make(map[uuid.UUID]struct{}),
		delayedCounts: make(map[uuid.UUID]int64),
		transport:     transport,
		deliver:       deliver,
	}
}

func (p *Proto) State() State { return p.state }

// View returns the engine's current view, or nil before the first one
// installs. Exposed read-only for introspection (spec §6 "view()").
func (p *Proto) View() *View { return p.view }

// InputMapDepth reports how far the highest-seen seqno has run ahead of
// the all-received-up-to point, a proxy for retransmission buffer
// pressure exposed for stats reporting.
func (p *Proto) InputMapDepth() cmn.Seqno {
	if p.im == nil {
		return 0
	}
	depth := p.im.MaxHS() - p.im.ARUSeq()
	if depth < 0 {
		return 0
	}
	return depth
}

// Connect implements the application's connect() call: CLOSED -> JOINING
// (spec §4.3 "CLOSED → JOINING: explicit connect() from the application").
func (p *Proto) Connect() error {
	if p.state != StateClosed {
		return cmn.NewError("Proto.Connect", cmn.KindInvariantViolation,
			fmt.Errorf("connect from state %s", p.state))
	}
	now := p.Now()
	p.view = NewView(ViewId{Type: ViewTrans, Rep: p.Self, Seq: 0})
	p.view.AddMember(p.Self, MemberInfo{})
	p.known[p.Self] = NewNode(now)
	if err := p.im.InsertSender(p.Self); err != nil {
		return err
	}
	p.known[p.Self].Index = 0
	p.state = StateJoining
	return nil
}

// Close implements the application's close(): OPERATIONAL -> LEAVING,
// completing only once our own LEAVE is safely delivered (spec §4.3).
func (p *Proto) Close() error {
	if p.state != StateOperational {
		return cmn.NewError("Proto.Close", cmn.KindInvariantViolation,
			fmt.Errorf("close from state %s", p.state))
	}
	p.state = StateLeaving
	return p.sendLeave()
}

// HandleComponent processes a transport component-change event: the
// ordered member list currently reachable (spec §6 "handle_component").
// It is delivered up as a message with type COMPONENT and drives
// JOINING/OPERATIONAL -> GATHER (spec §4.3).
func (p *Proto) HandleComponent(members []uuid.UUID, primary bool) error {
	now := p.Now()
	present := make(map[uuid.UUID]struct{}, len(members))
	for _, id := range members {
		present[id] = struct{}{}
		if _, ok := p.known[id]; !ok {
			p.known[id] = NewNode(now)
		}
		p.known[id].Tstamp = now
		p.known[id].SeenTstamp = now
	}
	for id, n := range p.known {
		if _, ok := present[id]; !ok && n.Operational {
			n.Operational = false
			n.Inactive = true
		}
	}
	switch p.state {
	case StateJoining, StateOperational, StateInstall:
		p.state = StateGather
	}
	p.installAttempts = 0
	p.commitVotes = make(map[uuid.UUID]struct{})
	if len(members) == 1 && members[0] == p.Self {
		// alone in the component: spec §4.3 "first JOIN sent when alone"
		p.state = StateGather
	}
	return p.sendJoin()
}

// HandleMessage dispatches a decoded wire message by type (spec §4.3).
func (p *Proto) HandleMessage(sender uuid.UUID, msgType MsgType, buf []byte) error {
	switch msgType {
	case MsgUser:
		m, err := DecodeUser(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed USER from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleUser(sender, m)
	case MsgGap:
		m, err := DecodeGap(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed GAP from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleGap(sender, m)
	case MsgJoin:
		m, err := DecodeJoin(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed JOIN from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleJoin(sender, m)
	case MsgInstall:
		m, err := DecodeInstall(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed INSTALL from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleInstall(sender, m)
	case MsgLeave:
		m, err := DecodeLeave(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed LEAVE from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleLeave(sender, m)
	case MsgDelayedList:
		m, err := DecodeDelayedList(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed DELAYED_LIST from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleDelayedList(sender, m)
	case MsgStateUUID:
		m, err := DecodeStateUUID(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed STATE_UUID from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleStateUUID(sender, m)
	case MsgStateMsg:
		m, err := DecodeStateMsg(buf)
		if err != nil {
			cmn.Log.Warningf("evs: drop malformed STATE_MSG from %s: %v", sender.Short(), err)
			return nil
		}
		return p.handleStateMsg(sender, m)
	default:
		return cmn.NewError("Proto.HandleMessage", cmn.KindProtocol,
			fmt.Errorf("unhandled type %d", msgType))
	}
}

// handleUser implements spec §4.3's USER reception rules.
func (p *Proto) handleUser(sender uuid.UUID, m UserMessage) error {
	if p.isForgottenView(m.SourceView) {
		return nil // rule 1: ignore messages from a forgotten view
	}
	if p.view != nil && m.SourceView.Equal(p.view.Id) {
		if _, err := p.im.Insert(sender, m, m.Payload); err != nil {
			if cmn.KindOf(err) == cmn.KindOutOfRange {
				cmn.Log.Warningf("evs: USER from %s out of window: %v", sender.Short(), err)
				return nil
			}
			return err
		}
		p.deliverStableFrom(m.SourceView)
		return p.maybeSendFeedbackGap(sender)
	}
	// rule 3: foreign-view sender; track if the emerging consensus names it
	if n, ok := p.known[sender]; ok {
		n.SeenTstamp = p.Now()
		if _, named := p.myJoinNodes[sender]; named {
			n.Operational = true
		}
	}
	return nil
}

func (p *Proto) isForgottenView(v ViewId) bool {
	return p.view != nil && v.Less(p.view.Id) && !v.Equal(p.view.Id)
}

// deliverStableFrom walks the InputMap from the start and hands every
// is_safe message up to the application, advancing the running global
// seqno counter (spec §4.3 "Safe delivery").
func (p *Proto) deliverStableFrom(view ViewId) {
	it := p.im.Begin()
	for {
		sender, msg, payload, ok := it.Next()
		if !ok {
			break
		}
		if !it.IsSafe() {
			continue
		}
		p.globalSeqno++
		p.deliver(Delivered{
			Type:        DeliveryData,
			Payload:     payload,
			GlobalSeqno: p.globalSeqno,
			LocalSeqno:  msg.Seq,
			Sender:      sender,
			IsLocal:     sender == p.Self,
		})
	}
}

// maybeSendFeedbackGap emits a GAP acknowledgement when flow control
// thinks the peer has accumulated too much unacked data (spec §4.3 "Flow
// control": periodic request-feedback forcing peers to emit GAP).
func (p *Proto) maybeSendFeedbackGap(sender uuid.UUID) error {
	r, err := p.im.Range(p.Self)
	if err != nil {
		return nil
	}
	if r.HS-p.im.ARUSeq() < p.cfg.UserSendWindow/2 {
		return nil
	}
	return p.sendGap(sender, cmn.Range{}, false)
}

// handleGap implements spec §4.3's GAP rules: ARU update, retransmission
// on request, and commit-vote counting during INSTALL.
func (p *Proto) handleGap(sender uuid.UUID, m GapMessage) error {
	if n, ok := p.known[sender]; ok {
		n.SeenTstamp = p.Now()
	}
	if !m.Range.Empty() {
		for seq := m.Range.LU; seq <= m.Range.HS; seq++ {
			if msg, payload, found := p.im.Recover(m.RangeUUID, seq); found {
				_ = p.transport.Send(EncodeUser(UserMessage{Header: msg.Header, Payload: payload}))
			}
		}
	}
	if p.state == StateInstall && m.Commit {
		p.commitVotes[sender] = struct{}{}
		p.maybeCompleteInstall()
	}
	return nil
}

// handleJoin implements spec §4.3's JOIN rules.
func (p *Proto) handleJoin(sender uuid.UUID, m JoinMessage) error {
	n, ok := p.known[sender]
	if !ok {
		n = NewNode(p.Now())
		p.known[sender] = n
	}
	if n.JoinMessage != nil && m.FifoSeq <= n.JoinMessage.FifoSeq {
		cmn.Log.Warningf("evs: drop out-of-fifo JOIN from %s (%d <= %d)",
			sender.Short(), m.FifoSeq, n.JoinMessage.FifoSeq)
		return nil
	}
	msgCopy := m
	n.SetJoinMessage(&msgCopy)
	n.SeenTstamp = p.Now()
	p.peerJoins[sender] = m.Nodes

	for id, mn := range m.Nodes {
		if _, known := p.known[id]; !known {
			kn := NewNode(p.Now())
			kn.Operational = mn.Operational
			p.known[id] = kn
		}
	}

	if p.state == StateGather || p.state == StateJoining {
		changed := p.recomputeLocalJoin()
		if changed {
			if err := p.sendJoin(); err != nil {
				return err
			}
		}
		if p.representative() == p.Self && p.isConsensus() {
			return p.sendInstall()
		}
	}
	if p.state == StateInstall && sender != p.representative() {
		// a fresh JOIN mid-install that disagrees restarts gather
		if !IsConsistentSameView(p.localView(), m.Nodes) {
			p.state = StateGather
			p.installAttempts = 0
			return p.sendJoin()
		}
	}
	return nil
}

// handleInstall implements spec §4.3's INSTALL validation and commit-vote
// response.
func (p *Proto) handleInstall(sender uuid.UUID, m InstallMessage) error {
	if sender != p.representative() {
		cmn.Log.Warningf("evs: drop INSTALL from non-representative %s", sender.Short())
		return nil
	}
	if !p.isConsistentInstall(m) {
		cmn.Log.Warningf("evs: INSTALL from %s inconsistent, restarting gather", sender.Short())
		p.state = StateGather
		p.installAttempts = 0
		return p.sendJoin()
	}
	msgCopy := m
	p.installMsg = &msgCopy
	p.state = StateInstall
	p.installAttempts = 0
	p.commitVotes = map[uuid.UUID]struct{}{p.Self: {}}
	return p.sendGap(sender, cmn.Range{}, true)
}

// isConsistentInstall checks install against the local JOIN and every
// operational peer's JOIN (spec §4.3 INSTALL validation).
func (p *Proto) isConsistentInstall(m InstallMessage) bool {
	lv := p.localView()
	if !IsConsistentSameView(lv, m.Nodes) {
		return false
	}
	for id := range lv.Nodes {
		if _, nonOp := lv.NonOperational[id]; nonOp {
			continue
		}
		peerJoin, ok := p.peerJoins[id]
		if id == p.Self {
			peerJoin, ok = p.myJoinNodes, true
		}
		if !ok {
			continue
		}
		if !IsConsistentSameView(LocalView{
			ViewID:         lv.ViewID,
			MaxHS:          lv.MaxHS,
			Nodes:          peerJoin,
			Leaving:        lv.Leaving,
			NonOperational: lv.NonOperational,
		}, m.Nodes) {
			return false
		}
	}
	return true
}

// maybeCompleteInstall: INSTALL -> OPERATIONAL once the representative has
// collected a commit-GAP from every node listed in its INSTALL (spec §4.3).
func (p *Proto) maybeCompleteInstall() {
	if p.representative() != p.Self || p.installMsg == nil {
		return
	}
	for id, n := range p.installMsg.Nodes {
		if !n.Operational {
			continue
		}
		if _, voted := p.commitVotes[id]; !voted {
			return
		}
	}
	p.completeInstall()
}

func (p *Proto) completeInstall() {
	newId := ViewId{Type: ViewReg, Rep: p.representative(), Seq: p.view.Id.Seq + 1}
	nv := NewView(newId)
	for id, n := range p.known {
		if n.Operational {
			nv.AddMember(id, MemberInfo{})
		}
	}
	p.view = nv
	p.state = StateOperational
	p.installMsg = nil
	p.deliver(Delivered{Type: DeliveryConfChange, View: nv})
}

// handleLeave implements spec §4.3's LEAVE rule.
func (p *Proto) handleLeave(sender uuid.UUID, m LeaveMessage) error {
	n, ok := p.known[sender]
	if !ok {
		n = NewNode(p.Now())
		p.known[sender] = n
	}
	n.Leaving = true
	n.Operational = false
	n.LeaveSeq = cmn.Seqno(m.FifoSeq)
	if sender == p.Self && p.state == StateLeaving {
		p.deliverStableFrom(p.view.Id)
		p.state = StateClosed
	}
	return nil
}

// --- outgoing message construction ------------------------------------

func (p *Proto) nextFifoSeq() int64 {
	p.myFifoSeq++
	return p.myFifoSeq
}

func (p *Proto) baseHeader(t MsgType, sp SafetyPrefix) Header {
	var vid ViewId
	if p.view != nil {
		vid = p.view.Id
	}
	return Header{
		Version:      HeaderVersion,
		Type:         t,
		SafetyPrefix: sp,
		Source:       p.Self,
		SourceView:   vid,
	}
}

func (p *Proto) sendJoin() error {
	p.recomputeLocalJoin()
	h := p.baseHeader(MsgJoin, SPUnreliable)
	buf := EncodeJoin(JoinMessage{Header: h, FifoSeq: p.nextFifoSeq(), Nodes: p.myJoinNodes})
	return p.transport.Send(buf)
}

func (p *Proto) sendInstall() error {
	h := p.baseHeader(MsgInstall, SPUnreliable)
	buf := EncodeInstall(InstallMessage{Header: h, FifoSeq: p.nextFifoSeq(), Nodes: p.myJoinNodes})
	p.installMsg = &InstallMessage{Header: h, Nodes: p.myJoinNodes}
	p.state = StateInstall
	p.commitVotes = map[uuid.UUID]struct{}{p.Self: {}}
	if err := p.transport.Send(buf); err != nil {
		return err
	}
	p.maybeCompleteInstall()
	return nil
}

func (p *Proto) sendLeave() error {
	h := p.baseHeader(MsgLeave, SPUnreliable)
	buf := EncodeLeave(LeaveMessage{Header: h, FifoSeq: p.nextFifoSeq()})
	return p.transport.Send(buf)
}

func (p *Proto) sendGap(target uuid.UUID, r cmn.Range, commit bool) error {
	h := p.baseHeader(MsgGap, SPUnreliable)
	h.ARUSeq = p.im.ARUSeq()
	buf := EncodeGap(GapMessage{Header: h, RangeUUID: target, Range: r, Commit: commit})
	return p.transport.Send(buf)
}

// send_user implements the application send() call (spec §6). Returns
// WouldBlock when last_sent - aru_seq >= send_window.
func (p *Proto) SendUser(payload []byte, userType uint8) (cmn.Seqno, error) {
	if p.state != StateOperational {
		return 0, cmn.NewError("Proto.SendUser", cmn.KindNotConnected, nil)
	}
	if p.lastSent-p.im.ARUSeq() >= p.cfg.SendWindow {
		return 0, cmn.NewError("Proto.SendUser", cmn.KindWouldBlock, nil)
	}
	seq := p.lastSent
	p.lastSent++
	h := p.baseHeader(MsgUser, SPSafe)
	h.Seq = seq
	h.UserType = userType
	h.ARUSeq = p.im.ARUSeq()
	msg := UserMessage{Header: h, Payload: payload}
	if _, err := p.im.Insert(p.Self, msg, payload); err != nil {
		return 0, err
	}
	if err := p.transport.Send(EncodeUser(msg)); err != nil {
		return 0, cmn.NewError("Proto.SendUser", cmn.KindIOError, err)
	}
	p.deliverStableFrom(p.view.Id)
	return seq, nil
}

// --- consensus glue -----------------------------------------------------

// recomputeLocalJoin rebuilds myJoinNodes from known/InputMap and reports
// whether it changed from the previous computation (spec §4.3 JOIN
// handling step 3: "recompute consensus; if local JOIN would now differ,
// emit a new JOIN").
func (p *Proto) recomputeLocalJoin() bool {
	next := make(map[uuid.UUID]MessageNode, len(p.known))
	for id, n := range p.known {
		r, _ := p.im.Range(id)
		safe, _ := p.im.NodeSafeSeq(id)
		next[id] = MessageNode{
			Operational: n.Operational,
			Leaving:     n.Leaving,
			CurrentView: p.view.Id,
			SafeSeq:     safe,
			Range:       r,
		}
	}
	changed := !sameNodeMaps(p.myJoinNodes, next)
	p.myJoinNodes = next
	return changed
}

func sameNodeMaps(a, b map[uuid.UUID]MessageNode) bool {
	if len(a) != len(b) {
		return false
	}
	for id, mn := range a {
		other, ok := b[id]
		if !ok || mn != other {
			return false
		}
	}
	return true
}

func (p *Proto) localView() LocalView {
	leaving := make(map[uuid.UUID]struct{})
	nonOp := make(map[uuid.UUID]struct{})
	for id, n := range p.known {
		if n.Leaving {
			leaving[id] = struct{}{}
		}
		if !n.Operational {
			nonOp[id] = struct{}{}
		}
	}
	var vid ViewId
	if p.view != nil {
		vid = p.view.Id
	}
	return LocalView{
		ViewID:         vid,
		MaxHS:          p.im.MaxHS(),
		Nodes:          p.myJoinNodes,
		Leaving:        leaving,
		NonOperational: nonOp,
	}
}

func (p *Proto) isConsensus() bool {
	return IsConsensus(p.localView(), p.myJoinNodes, p.peerJoins)
}

// representative returns the operational node with the lexicographically
// smallest UUID in known (spec §4.3).
func (p *Proto) representative() uuid.UUID {
	return Representative(p.known)
}

// --- timers ---------------------------------------------------------

// TickInactivity is the INACTIVITY timer handler (spec §4.3): marks peers
// suspected/inactive and shifts OPERATIONAL -> GATHER on inactivity.
func (p *Proto) TickInactivity() {
	now := p.Now()
	cfg := NodeConfig{SuspectTimeout: p.cfg.SuspectTimeout, InactiveTimeout: p.cfg.InactiveTimeout}
	shiftToGather := false
	for _, n := range p.known {
		_, becameInactive := InspectNode(n, now, cfg)
		if becameInactive {
			n.Operational = false
			shiftToGather = true
		}
	}
	if shiftToGather && p.state == StateOperational {
		p.state = StateGather
		p.installAttempts = 0
		_ = p.sendJoin()
	}
}

// TickRetrans is the RETRANS timer handler (spec §4.3): for every member
// whose InputMap range still has a gap, it multicasts a GAP requesting
// that range. Own messages are not resent proactively; they go out again
// only when a peer's GAP requests them (handleGap).
func (p *Proto) TickRetrans() {
	if p.state != StateOperational || p.view == nil {
		return
	}
	for id := range p.view.Members {
		r, err := p.im.Range(id)
		if err != nil {
			continue
		}
		if r.Empty() {
			continue
		}
		_ = p.sendGap(id, r, false)
	}
}

// TickInstall is the INSTALL timer handler (spec §4.3): bumps the attempt
// counter while stuck in INSTALL, restarting GATHER after
// max_install_timeouts.
func (p *Proto) TickInstall() {
	if p.state != StateInstall {
		return
	}
	p.installAttempts++
	if p.installAttempts >= p.cfg.MaxInstallTimeouts {
		p.state = StateGather
		p.installAttempts = 0
		_ = p.sendJoin()
	}
}
