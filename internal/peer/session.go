package peer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/util"
)

var (
	ErrInvalidDescription  = errors.New("invalid session description")
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrAlreadyNegotiated   = errors.New("local description already created")
	ErrClosed              = errors.New("peer session closed")
)

// Hooks are invoked from pion's goroutines. Any of them may be nil.
type Hooks struct {
	// LocalCandidate is called for every gathered local ICE candidate.
	LocalCandidate func(webrtc.ICECandidateInit)
	// RemoteTrack is called when the remote side starts sending a track.
	RemoteTrack func(*webrtc.TrackRemote)
	// Terminated is called at most once, when the connection reaches
	// disconnected, failed or closed. It is not called after Close.
	Terminated func(webrtc.PeerConnectionState)
}

// Session owns one PeerConnection.
type Session struct {
	pc    *webrtc.PeerConnection
	hooks Hooks

	mu         sync.Mutex
	senders    map[webrtc.RTPCodecType]*webrtc.RTPSender
	negotiated bool
	closed     bool

	// terminated is set by the first terminal state or by Close. The hook
	// may call Close, so this must not be a sync.Once.
	terminated atomic.Bool
}

// Create builds a PeerConnection with the configured ICE servers and
// attaches every track of stream.
func (f *Factory) Create(stream *media.Stream, hooks Hooks) (*Session, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: f.iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &Session{
		pc:      pc,
		hooks:   hooks,
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; the relay has no message for it.
		if c == nil || s.hooks.LocalCandidate == nil {
			return
		}
		s.hooks.LocalCandidate(c.ToJSON())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogInfo("remote %s track started (%s)", track.Kind(), track.Codec().MimeType)
		if s.hooks.RemoteTrack != nil {
			s.hooks.RemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			util.LogSuccess("media connection established")
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			if !s.terminated.CompareAndSwap(false, true) {
				return
			}
			if s.hooks.Terminated != nil {
				s.hooks.Terminated(state)
			}
		}
	})

	if stream != nil {
		for _, track := range stream.Tracks() {
			sender, err := pc.AddTrack(track.Local())
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
			}
			s.senders[track.Kind()] = sender
			go readRTCP(sender, track.Kind())
		}
	}

	return s, nil
}

// readRTCP drains RTCP for one sender; pion needs it read for interceptors
// to work. It exits when the sender is stopped.
func readRTCP(sender *webrtc.RTPSender, kind webrtc.RTPCodecType) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				util.LogDebug("remote requested a %s keyframe", kind)
			}
		}
	}
}

// CreateOffer creates the local offer and applies it. A session negotiates
// once: a second offer or answer returns ErrAlreadyNegotiated.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNegotiable(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateOffer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetLocalDescription: %w", err)
	}
	s.negotiated = true
	return offer, nil
}

// CreateAnswer creates the local answer to the applied remote offer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkNegotiable(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if s.pc.RemoteDescription() == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("SetLocalDescription: %w", err)
	}
	s.negotiated = true
	return answer, nil
}

func (s *Session) checkNegotiable() error {
	if s.closed {
		return ErrClosed
	}
	if s.negotiated {
		return ErrAlreadyNegotiated
	}
	return nil
}

// ApplyRemoteDescription validates and applies the remote offer or answer.
// Any failure wraps ErrInvalidDescription.
func (s *Session) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := ValidateDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	return nil
}

func (s *Session) HasRemoteDescription() bool {
	return s.pc.RemoteDescription() != nil
}

// ApplyCandidate adds a remote ICE candidate. The remote description must
// already be applied.
func (s *Session) ApplyCandidate(c webrtc.ICECandidateInit) error {
	if !s.HasRemoteDescription() {
		return ErrNoRemoteDescription
	}
	return s.pc.AddICECandidate(c)
}

// ReplaceTracks swaps the outgoing tracks for those of stream without
// renegotiating. Kinds the session was not created with are skipped.
func (s *Session) ReplaceTracks(stream *media.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var errs []error
	for _, track := range stream.Tracks() {
		sender, ok := s.senders[track.Kind()]
		if !ok {
			util.LogWarning("no %s sender to replace, skipping", track.Kind())
			continue
		}
		if err := sender.ReplaceTrack(track.Local()); err != nil {
			errs = append(errs, fmt.Errorf("replace %s track: %w", track.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

// ConnectionState returns the current PeerConnection state.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// Close shuts down the PeerConnection. Safe to call more than once; the
// Terminated hook does not fire for a local close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.terminated.Store(true)
	return s.pc.Close()
}

// ValidateDescription rejects SDP that is not a well-formed offer or
// answer. The error wraps ErrInvalidDescription.
func ValidateDescription(desc webrtc.SessionDescription) error {
	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
	default:
		return fmt.Errorf("%w: unexpected type %q", ErrInvalidDescription, desc.Type)
	}
	if !strings.HasPrefix(strings.TrimSpace(desc.SDP), "v=0") {
		return fmt.Errorf("%w: missing v=0", ErrInvalidDescription)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	return nil
}
