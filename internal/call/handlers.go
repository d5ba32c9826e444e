package call

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/signaling"
	"github.com/1ureka/peercall/internal/util"
)

var _ signaling.Handler = (*Manager)(nil)

// HandleOffer starts ringing when idle and answers busy otherwise. A
// redelivered offer from the user already calling us is dropped.
func (m *Manager) HandleOffer(msg signaling.Message) {
	m.mu.Lock()
	if m.state != StateIdle || m.starting {
		s, state := m.sess, m.state
		m.mu.Unlock()

		if s != nil && s.offer != nil && s.counterpart == msg.From {
			util.LogDebug("dropping duplicate offer from user %s", msg.From)
			return
		}
		util.LogInfo("user %s called while %s, replying busy", msg.From, state)
		_ = m.ch.Send(context.Background(), signaling.Message{Kind: signaling.KindBusy}, msg.From)
		return
	}

	desc, err := msg.Description()
	if err != nil {
		m.mu.Unlock()
		util.LogWarning("ignoring offer from user %s: %v", msg.From, err)
		return
	}

	s := newSession(msg.From, msg.Medium())
	s.offer = &desc
	m.sess = s
	m.setStateLocked(StateIncoming)
	m.startTimerLocked(s)
	m.mu.Unlock()

	util.Stats.AddCall()
	util.LogInfo("incoming %s call from user %s (call %s)", s.medium, msg.From, s.short())
	m.emitState(StateIncoming)
	if h := m.opts.Hooks.IncomingCall; h != nil {
		h(msg.From, s.medium)
	}
}

// HandleAnswer completes an outgoing call. An answer that cannot be applied
// hangs the call up.
func (m *Manager) HandleAnswer(msg signaling.Message) {
	m.mu.Lock()
	s := m.sess
	if !m.fromCounterpartLocked(s, msg) {
		m.mu.Unlock()
		return
	}
	if m.state != StateOutgoing || s.answering || s.peer == nil {
		state := m.state
		m.mu.Unlock()
		util.LogDebug("ignoring answer from user %s while %s", msg.From, state)
		return
	}
	s.answering = true
	p := s.peer
	m.mu.Unlock()

	ctx := context.Background()
	desc, err := msg.Description()
	if err == nil {
		err = p.ApplyRemoteDescription(desc)
	}
	if err != nil {
		m.fail(ctx, s, fmt.Errorf("answer from user %s: %w", msg.From, err))
		return
	}

	if !m.transition(s, StateOutgoing, StateActive) {
		return
	}
	m.flushCandidates(s, p)
	util.LogSuccess("user %s answered", msg.From)
}

// HandleCandidate applies a remote candidate, or queues it until the remote
// description is in place.
func (m *Manager) HandleCandidate(msg signaling.Message) {
	c, err := msg.Candidate()
	if err != nil {
		util.Stats.AddCandidateFailed()
		util.LogWarning("ignoring ICE candidate from user %s: %v", msg.From, err)
		return
	}

	m.mu.Lock()
	s := m.sess
	if !m.fromCounterpartLocked(s, msg) || !m.state.live() {
		m.mu.Unlock()
		return
	}
	if !s.ready {
		s.queue.Enqueue(c)
		pending := s.queue.Len()
		m.mu.Unlock()
		util.LogDebug("queued ICE candidate from user %s (%d pending)", msg.From, pending)
		return
	}
	p := s.peer
	m.mu.Unlock()

	if err := p.ApplyCandidate(c); err != nil {
		util.Stats.AddCandidateFailed()
		util.LogWarning("failed to apply ICE candidate from user %s: %v", msg.From, err)
		return
	}
	util.Stats.AddCandidate()
}

func (m *Manager) HandleReject(msg signaling.Message) { m.remoteEnded(msg, EndRejected) }
func (m *Manager) HandleBusy(msg signaling.Message)   { m.remoteEnded(msg, EndBusy) }
func (m *Manager) HandleEnd(msg signaling.Message)    { m.remoteEnded(msg, EndRemote) }

func (m *Manager) remoteEnded(msg signaling.Message, reason EndReason) {
	m.mu.Lock()
	s := m.sess
	ok := m.fromCounterpartLocked(s, msg)
	m.mu.Unlock()

	if ok {
		m.end(context.Background(), s, "", reason)
	}
}

// fromCounterpartLocked reports whether msg belongs to s. Anything else is
// stale or from a third party.
func (m *Manager) fromCounterpartLocked(s *session, msg signaling.Message) bool {
	if s == nil || msg.From != s.counterpart {
		util.LogDebug("ignoring %s from user %s: not part of the current call", msg.Kind, msg.From)
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Peer connection events
// ---------------------------------------------------------------------------

func (m *Manager) peerHooks(s *session) peer.Hooks {
	return peer.Hooks{
		LocalCandidate: func(c webrtc.ICECandidateInit) { m.localCandidate(s, c) },
		RemoteTrack:    func(track *webrtc.TrackRemote) { m.remoteTrack(s, track) },
		Terminated: func(state webrtc.PeerConnectionState) {
			if m.still(s, StateOutgoing, StateIncoming, StateActive) {
				util.LogWarning("peer connection %s", state)
			}
			m.end(context.Background(), s, signaling.KindEnd, EndConnectionLost)
		},
	}
}

func (m *Manager) localCandidate(s *session, c webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.sess != s || !m.state.live() {
		m.mu.Unlock()
		return
	}
	if !s.signaled {
		s.pendingLocal = append(s.pendingLocal, c)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.sendCandidate(context.Background(), s.counterpart, c)
}

func (m *Manager) sendCandidate(ctx context.Context, to signaling.UserID, c webrtc.ICECandidateInit) {
	msg, err := signaling.NewCandidateMessage(c)
	if err != nil {
		util.LogWarning("cannot encode local ICE candidate: %v", err)
		return
	}
	_ = m.ch.Send(ctx, msg, to)
}

func (m *Manager) remoteTrack(s *session, track *webrtc.TrackRemote) {
	m.mu.Lock()
	if m.sess != s || !m.state.live() {
		m.mu.Unlock()
		return
	}
	if s.remote == nil {
		s.remote = &media.RemoteStream{}
	}
	remote := s.remote
	remote.Add(track)
	m.mu.Unlock()

	if h := m.opts.Hooks.RemoteTrack; h != nil {
		h(track, remote)
	}
}
