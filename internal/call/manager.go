package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

// Options configures a Manager.
type Options struct {
	// RingTimeout hangs up calls that are not active within this duration.
	// Zero disables it.
	RingTimeout time.Duration
	Hooks       Hooks
}

// Manager owns at most one call at a time.
//
// All state lives behind mu. The lock is never held across media capture,
// description creation or a network send; after each such step the
// operation checks that its session is still the current one, in the
// expected state, and gives up otherwise.
type Manager struct {
	ch    *signaling.Channel
	media Media
	peers PeerFactory
	opts  Options

	mu    sync.Mutex
	state State
	sess  *session
	// starting is set while InitiateCall acquires media, before a session
	// exists. It reserves the manager: other calls are refused.
	starting bool
	// abortStart is set by a HangUp that lands while starting.
	abortStart bool
}

func NewManager(ch *signaling.Channel, m Media, peers PeerFactory, opts Options) *Manager {
	return &Manager{ch: ch, media: m, peers: peers, opts: opts}
}

// Run dispatches inbound signaling to the manager until ctx is cancelled or
// the transport fails. A call still live on return is hung up.
func (m *Manager) Run(ctx context.Context) error {
	err := m.ch.Listen(ctx, m)

	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()
	if s != nil {
		m.end(context.Background(), s, signaling.KindEnd, EndShutdown)
	}
	return err
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{State: m.state}
	if s := m.sess; s != nil {
		snap.SessionID = s.id
		snap.Counterpart = s.counterpart
		snap.Medium = s.medium
		snap.Muted = s.muted
		snap.VideoEnabled = s.videoEnabled
		snap.Remote = s.remote
	}
	return snap
}

// InitiateCall calls callee. Media is acquired first; if that fails the
// error (a *media.AcquisitionError) is returned and nothing else happens.
func (m *Manager) InitiateCall(ctx context.Context, callee signaling.UserID, medium media.Medium) error {
	if callee == m.ch.Self() {
		return signaling.ErrSelfTarget
	}

	m.mu.Lock()
	if m.state != StateIdle || m.starting {
		state := m.state
		m.mu.Unlock()
		util.LogWarning("cannot call user %s: a call is already in progress (%s)", callee, state)
		return ErrCallInProgress
	}
	m.starting, m.abortStart = true, false
	m.mu.Unlock()

	stream, err := m.media.Acquire(ctx, medium)

	m.mu.Lock()
	aborted := m.abortStart
	m.starting, m.abortStart = false, false
	if err != nil {
		m.mu.Unlock()
		util.LogError("cannot call user %s: %v", callee, err)
		return err
	}
	if aborted {
		m.mu.Unlock()
		m.media.Release()
		util.LogInfo("call to user %s cancelled before it started", callee)
		return ErrCallEnded
	}
	s := newSession(callee, medium)
	s.local = stream
	m.sess = s
	m.setStateLocked(StateOutgoing)
	m.startTimerLocked(s)
	m.mu.Unlock()

	util.Stats.AddCall()
	util.LogInfo("calling user %s (%s, call %s)", callee, medium, s.short())
	m.emitState(StateOutgoing)

	p, err := m.peers(stream, m.peerHooks(s))
	if err != nil {
		return m.fail(ctx, s, fmt.Errorf("create peer connection: %w", err))
	}
	if !m.attach(s, p, StateOutgoing) {
		p.Close()
		return ErrCallEnded
	}

	offer, err := p.CreateOffer()
	if err != nil {
		return m.fail(ctx, s, err)
	}
	msg, err := signaling.NewDescriptionMessage(signaling.KindOffer, medium, offer)
	if err != nil {
		return m.fail(ctx, s, err)
	}

	if !m.still(s, StateOutgoing) {
		return ErrCallEnded
	}
	m.sendDescription(ctx, s, msg)
	return nil
}

// AcceptCall answers the incoming call. A second accept while the first is
// still running returns ErrAlreadyAccepting. Any failure hangs the call up.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil || m.state != StateIncoming {
		m.mu.Unlock()
		return ErrNoIncomingCall
	}
	if s.accepting {
		m.mu.Unlock()
		util.LogWarning("already accepting the call from user %s", s.counterpart)
		return ErrAlreadyAccepting
	}
	s.accepting = true
	m.mu.Unlock()

	stream, err := m.media.Acquire(ctx, s.medium)
	if err != nil {
		return m.fail(ctx, s, err)
	}
	if !m.adoptStream(s, stream) {
		m.abandon(stream)
		return ErrCallEnded
	}

	p, err := m.peers(stream, m.peerHooks(s))
	if err != nil {
		return m.fail(ctx, s, fmt.Errorf("create peer connection: %w", err))
	}
	if !m.attach(s, p, StateIncoming) {
		p.Close()
		return ErrCallEnded
	}

	if err := p.ApplyRemoteDescription(*s.offer); err != nil {
		return m.fail(ctx, s, fmt.Errorf("offer from user %s: %w", s.counterpart, err))
	}
	if !m.flushCandidates(s, p) {
		return ErrCallEnded
	}

	answer, err := p.CreateAnswer()
	if err != nil {
		return m.fail(ctx, s, err)
	}
	msg, err := signaling.NewDescriptionMessage(signaling.KindAnswer, s.medium, answer)
	if err != nil {
		return m.fail(ctx, s, err)
	}

	if !m.transition(s, StateIncoming, StateActive) {
		return ErrCallEnded
	}
	m.sendDescription(ctx, s, msg)
	util.LogSuccess("accepted call from user %s", s.counterpart)
	return nil
}

// RejectCall declines the incoming call.
func (m *Manager) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	incoming := s != nil && m.state == StateIncoming
	m.mu.Unlock()

	if !incoming || !m.end(ctx, s, signaling.KindReject, EndRejected, StateIncoming) {
		return ErrNoIncomingCall
	}
	return nil
}

// HangUp ends the current call, telling the counterpart. A call still
// acquiring media is abandoned before anything is sent. It is a no-op when
// there is no call or the call is already ending.
func (m *Manager) HangUp(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	live := s != nil && m.state.live()
	if s == nil && m.starting {
		m.abortStart = true
	}
	m.mu.Unlock()

	if live {
		m.end(ctx, s, signaling.KindEnd, EndHangUp)
	}
	return nil
}

// ToggleMute flips the microphone and returns whether it is now muted.
func (m *Manager) ToggleMute() (muted bool, err error) {
	s, err := m.withLocalStream()
	if err != nil {
		return false, err
	}
	enabled, ok := m.media.ToggleAudio()
	if !ok {
		return false, ErrNoCall
	}

	m.mu.Lock()
	if m.sess == s {
		s.muted = !enabled
	}
	m.mu.Unlock()
	return !enabled, nil
}

// ToggleVideo flips the camera and returns whether it is now enabled.
func (m *Manager) ToggleVideo() (enabled bool, err error) {
	s, err := m.withLocalStream()
	if err != nil {
		return false, err
	}
	if !s.medium.HasVideo() {
		return false, ErrNoVideo
	}
	enabled, ok := m.media.ToggleVideo()
	if !ok {
		return false, ErrNoVideo
	}

	m.mu.Lock()
	if m.sess == s {
		s.videoEnabled = enabled
	}
	m.mu.Unlock()
	return enabled, nil
}

func (m *Manager) withLocalStream() (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.local == nil || !m.state.live() {
		return nil, ErrNoCall
	}
	return m.sess, nil
}

// SwitchDevice changes capture devices. During a call the new tracks
// replace the old ones on the peer connection without renegotiation;
// otherwise the devices are kept for the next call.
func (m *Manager) SwitchDevice(ctx context.Context, devices media.Devices) error {
	stream, err := m.media.Switch(ctx, devices)
	if errors.Is(err, media.ErrNoStream) {
		util.LogInfo("capture devices will be used from the next call")
		return nil
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	s := m.sess
	if s == nil || s.local == nil || !m.state.live() {
		m.mu.Unlock()
		m.abandon(stream)
		return ErrNoCall
	}
	s.local = stream
	p := s.peer
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	if err := p.ReplaceTracks(stream); err != nil {
		return fmt.Errorf("switch device: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session bookkeeping
// ---------------------------------------------------------------------------

// end tears s down and returns the manager to idle. notify, when set, is
// sent to the counterpart first. It only acts while s is the current
// session in a live state (restricted to from, when given) and reports
// whether it did; this makes every caller idempotent.
func (m *Manager) end(ctx context.Context, s *session, notify signaling.Kind, reason EndReason, from ...State) bool {
	m.mu.Lock()
	if m.sess != s || !m.state.live() || (len(from) > 0 && !slices.Contains(from, m.state)) {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(StateTerminating)
	p, timer := s.peer, s.timer
	s.peer, s.timer, s.local, s.remote = nil, nil, nil, nil
	s.ready = false
	s.pendingLocal = nil
	s.queue.Reset()
	m.mu.Unlock()
	m.emitState(StateTerminating)

	util.LogInfo("call %s with user %s ended: %s", s.short(), s.counterpart, reason)

	if timer != nil {
		timer.Stop()
	}
	if notify != "" {
		// Failures are logged by the channel; teardown goes ahead regardless.
		_ = m.ch.Send(ctx, signaling.Message{Kind: notify}, s.counterpart)
	}
	if p != nil {
		if err := p.Close(); err != nil {
			util.LogDebug("closing peer connection: %v", err)
		}
	}
	m.media.Release()

	m.mu.Lock()
	m.sess = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	m.emitState(StateIdle)

	util.Stats.EndCall()
	if h := m.opts.Hooks.CallEnded; h != nil {
		h(s.counterpart, reason)
	}
	return true
}

// fail hangs s up after a negotiation or media error and returns err.
func (m *Manager) fail(ctx context.Context, s *session, err error) error {
	util.LogError("call with user %s failed: %v", s.counterpart, err)
	m.end(ctx, s, signaling.KindEnd, EndFailed)
	return err
}

// abandon stops a stream acquired for a session that is gone, unless the
// stream has since been picked up by another call.
func (m *Manager) abandon(stream *media.Stream) {
	m.mu.Lock()
	inUse := m.starting || (m.sess != nil && m.sess.local == stream)
	m.mu.Unlock()
	if !inUse {
		stream.Stop()
	}
}

func (m *Manager) currentLocked(s *session, states ...State) bool {
	return m.sess == s && slices.Contains(states, m.state)
}

func (m *Manager) still(s *session, states ...State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(s, states...)
}

func (m *Manager) attach(s *session, p Peer, state State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(s, state) {
		return false
	}
	s.peer = p
	return true
}

func (m *Manager) adoptStream(s *session, stream *media.Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(s, StateIncoming) {
		return false
	}
	s.local = stream
	return true
}

// transition moves s from one state to another; the ring timer stops once
// the call is active.
func (m *Manager) transition(s *session, from, to State) bool {
	m.mu.Lock()
	if !m.currentLocked(s, from) {
		m.mu.Unlock()
		return false
	}
	m.setStateLocked(to)
	if to == StateActive && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	m.mu.Unlock()
	m.emitState(to)
	return true
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	util.LogDebug("call state: %s -> %s", m.state, state)
	m.state = state
}

func (m *Manager) emitState(state State) {
	if h := m.opts.Hooks.StateChanged; h != nil {
		h(state)
	}
}

func (m *Manager) startTimerLocked(s *session) {
	if m.opts.RingTimeout <= 0 {
		return
	}
	s.timer = time.AfterFunc(m.opts.RingTimeout, func() {
		m.end(context.Background(), s, signaling.KindEnd, EndTimeout, StateOutgoing, StateIncoming)
	})
}

// flushCandidates drains the queue into p until it stays empty, then marks
// the session ready so later candidates skip the queue.
func (m *Manager) flushCandidates(s *session, p Peer) bool {
	for {
		applied, failed := s.queue.Drain(p.ApplyCandidate)
		if applied+failed > 0 {
			util.LogDebug("applied %d queued ICE candidates (%d failed)", applied, failed)
		}

		m.mu.Lock()
		if m.sess != s || !m.state.live() {
			m.mu.Unlock()
			return false
		}
		if s.queue.Len() == 0 {
			s.ready = true
			m.mu.Unlock()
			return true
		}
		m.mu.Unlock()
	}
}

// sendDescription sends our offer or answer, then releases the local
// candidates that were held back until it went out. A failed send is logged
// by the channel and not rolled back.
func (m *Manager) sendDescription(ctx context.Context, s *session, msg signaling.Message) {
	_ = m.ch.Send(ctx, msg, s.counterpart)

	m.mu.Lock()
	if m.sess != s || !m.state.live() {
		m.mu.Unlock()
		return
	}
	s.signaled = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	m.mu.Unlock()

	for _, c := range pending {
		m.sendCandidate(ctx, s.counterpart, c)
	}
}
