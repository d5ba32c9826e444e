package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/signaling"
)

const (
	self  signaling.UserID = 1
	alice signaling.UserID = 2
	bob   signaling.UserID = 3
)

const validSDP = "v=0\r\no=- 4215 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

type outbound struct {
	msg signaling.Message
	to  signaling.UserID
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []outbound
	inbound []signaling.Message
}

func (f *fakeTransport) Send(_ context.Context, msg signaling.Message, to signaling.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, outbound{msg, to})
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, fn func(signaling.Message)) error {
	for _, msg := range f.inbound {
		fn(msg)
	}
	return nil
}

func (f *fakeTransport) messages() []outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]outbound(nil), f.sent...)
}

func (f *fakeTransport) kinds() []signaling.Kind {
	var kinds []signaling.Kind
	for _, o := range f.messages() {
		kinds = append(kinds, o.msg.Kind)
	}
	return kinds
}

func (f *fakeTransport) count(kind signaling.Kind) int {
	n := 0
	for _, k := range f.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

type fakeMedia struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{} // when set, Acquire waits for it to close
	entered  chan struct{} // when set, signalled as Acquire starts waiting
	acquired int
	released int
	current  *media.Stream
	audioOn  bool
	videoOn  bool
}

func (f *fakeMedia) Acquire(ctx context.Context, medium media.Medium) (*media.Stream, error) {
	f.mu.Lock()
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.acquired++
	f.current = media.NewStream(medium)
	f.audioOn, f.videoOn = true, medium.HasVideo()
	return f.current, nil
}

func (f *fakeMedia) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	if f.current != nil {
		f.current.Stop()
		f.current = nil
	}
}

func (f *fakeMedia) ToggleAudio() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return false, false
	}
	f.audioOn = !f.audioOn
	return f.audioOn, true
}

func (f *fakeMedia) ToggleVideo() (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil || !f.current.Medium().HasVideo() {
		return false, false
	}
	f.videoOn = !f.videoOn
	return f.videoOn, true
}

func (f *fakeMedia) Switch(_ context.Context, _ media.Devices) (*media.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, media.ErrNoStream
	}
	old := f.current
	f.current = media.NewStream(old.Medium())
	old.Stop()
	return f.current, nil
}

func (f *fakeMedia) stats() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired, f.released
}

// ---------------------------------------------------------------------------
// Peer
// ---------------------------------------------------------------------------

type fakePeer struct {
	mu       sync.Mutex
	hooks    peer.Hooks
	events   []string
	remote   bool
	closed   int
	replaced []*media.Stream

	failCandidate string
	gatherEarly   bool
}

func (p *fakePeer) record(event string) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.record("create-offer")
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: validSDP}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	if !p.HasRemoteDescription() {
		return webrtc.SessionDescription{}, peer.ErrNoRemoteDescription
	}
	p.record("create-answer")
	p.gather()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: validSDP}, nil
}

// gather emits a local candidate before the description is returned, the
// way a fast ICE agent can.
func (p *fakePeer) gather() {
	if p.gatherEarly && p.hooks.LocalCandidate != nil {
		p.hooks.LocalCandidate(webrtc.ICECandidateInit{Candidate: "local-1"})
	}
}

func (p *fakePeer) ApplyRemoteDescription(desc webrtc.SessionDescription) error {
	if err := peer.ValidateDescription(desc); err != nil {
		return err
	}
	p.mu.Lock()
	p.remote = true
	p.mu.Unlock()
	p.record("remote-" + desc.Type.String())
	return nil
}

func (p *fakePeer) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) ApplyCandidate(c webrtc.ICECandidateInit) error {
	if !p.HasRemoteDescription() {
		return peer.ErrNoRemoteDescription
	}
	if c.Candidate == p.failCandidate {
		return errors.New("unusable candidate")
	}
	p.record("candidate-" + c.Candidate)
	return nil
}

func (p *fakePeer) ReplaceTracks(stream *media.Stream) error {
	p.mu.Lock()
	p.replaced = append(p.replaced, stream)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) log() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type peerFactory struct {
	mu            sync.Mutex
	peers         []*fakePeer
	err           error
	gatherEarly   bool
	failCandidate string
}

func (f *peerFactory) create(_ *media.Stream, hooks peer.Hooks) (Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakePeer{hooks: hooks, gatherEarly: f.gatherEarly, failCandidate: f.failCandidate}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *peerFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

func (f *peerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type ended struct {
	with   signaling.UserID
	reason EndReason
}

type harness struct {
	m         *Manager
	transport *fakeTransport
	media     *fakeMedia
	peers     *peerFactory

	mu       sync.Mutex
	ended    []ended
	incoming []signaling.UserID
}

func newHarness(t *testing.T, ringTimeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		transport: &fakeTransport{},
		media:     &fakeMedia{},
		peers:     &peerFactory{},
	}
	ch := signaling.NewChannel(h.transport, self, time.Second)
	h.m = NewManager(ch, h.media, h.peers.create, Options{
		RingTimeout: ringTimeout,
		Hooks: Hooks{
			IncomingCall: func(from signaling.UserID, _ media.Medium) {
				h.mu.Lock()
				h.incoming = append(h.incoming, from)
				h.mu.Unlock()
			},
			CallEnded: func(with signaling.UserID, reason EndReason) {
				h.mu.Lock()
				h.ended = append(h.ended, ended{with, reason})
				h.mu.Unlock()
			},
		},
	})
	t.Cleanup(func() { h.m.HangUp(context.Background()) })
	return h
}

func (h *harness) endings() []ended {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ended(nil), h.ended...)
}

func (h *harness) expectState(t *testing.T, want State) {
	t.Helper()
	if got := h.m.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if h.m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", h.m.State(), want)
}

func offerFrom(t *testing.T, from signaling.UserID, medium media.Medium, sdp string) signaling.Message {
	t.Helper()
	msg, err := signaling.NewDescriptionMessage(signaling.KindOffer, medium, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
	if err != nil {
		t.Fatal(err)
	}
	msg.From = from
	return msg
}

func answerFrom(t *testing.T, from signaling.UserID, sdp string) signaling.Message {
	t.Helper()
	msg, err := signaling.NewDescriptionMessage(signaling.KindAnswer, media.MediumAudio, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		t.Fatal(err)
	}
	msg.From = from
	return msg
}

func candidateFrom(t *testing.T, from signaling.UserID, candidate string) signaling.Message {
	t.Helper()
	msg, err := signaling.NewCandidateMessage(webrtc.ICECandidateInit{Candidate: candidate})
	if err != nil {
		t.Fatal(err)
	}
	msg.From = from
	return msg
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
