package call

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/config"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/signaling"
)

// memRelay delivers messages between in-process users. Once cut, every
// message is silently lost.
type memRelay struct {
	mu      sync.Mutex
	inboxes map[signaling.UserID]chan signaling.Message
	cut     atomic.Bool
}

func newMemRelay() *memRelay {
	return &memRelay{inboxes: make(map[signaling.UserID]chan signaling.Message)}
}

func (r *memRelay) inbox(id signaling.UserID) chan signaling.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.inboxes[id]
	if !ok {
		ch = make(chan signaling.Message, 256)
		r.inboxes[id] = ch
	}
	return ch
}

type memEndpoint struct {
	relay *memRelay
	self  signaling.UserID
}

func (e memEndpoint) Send(_ context.Context, msg signaling.Message, to signaling.UserID) error {
	if e.relay.cut.Load() {
		return nil
	}
	e.relay.inbox(to) <- msg
	return nil
}

func (e memEndpoint) Subscribe(ctx context.Context, fn func(signaling.Message)) error {
	inbox := e.relay.inbox(e.self)
	for {
		select {
		case msg := <-inbox:
			fn(msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type liveUser struct {
	m      *Manager
	media  *media.Manager
	tracks chan struct{}

	mu    sync.Mutex
	ended []EndReason
}

func (u *liveUser) endings() []EndReason {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]EndReason(nil), u.ended...)
}

func startLiveUser(t *testing.T, ctx context.Context, relay *memRelay, id signaling.UserID, autoAnswer bool) *liveUser {
	t.Helper()
	factory, err := peer.NewFactory(config.Config{})
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	u := &liveUser{
		media:  media.NewManager(media.DeviceCapturer{}, media.Devices{}),
		tracks: make(chan struct{}, 4),
	}
	sink := media.NewSink("")
	u.m = NewManager(
		signaling.NewChannel(memEndpoint{relay, id}, id, time.Second),
		u.media,
		FromFactory(factory),
		Options{Hooks: Hooks{
			IncomingCall: func(signaling.UserID, media.Medium) {
				if autoAnswer {
					go u.m.AcceptCall(ctx)
				}
			},
			RemoteTrack: func(track *webrtc.TrackRemote, _ *media.RemoteStream) {
				u.tracks <- struct{}{}
				go sink.Consume(track, "test")
			},
			CallEnded: func(_ signaling.UserID, reason EndReason) {
				u.mu.Lock()
				u.ended = append(u.ended, reason)
				u.mu.Unlock()
			},
		}},
	)
	go u.m.Run(ctx)
	return u
}

func TestLostConnectionReturnsToIdle(t *testing.T) {
	if testing.Short() {
		t.Skip("establishes real peer connections")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := newMemRelay()
	caller := startLiveUser(t, ctx, relay, self, false)
	callee := startLiveUser(t, ctx, relay, alice, true)

	if err := caller.m.InitiateCall(ctx, alice, media.MediumAudio); err != nil {
		t.Fatalf("InitiateCall: %v", err)
	}
	select {
	case <-caller.tracks:
	case <-time.After(20 * time.Second):
		t.Fatalf("media never arrived (caller=%s callee=%s)", caller.m.State(), callee.m.State())
	}

	// The callee drops off without its end reaching the caller.
	relay.cut.Store(true)
	callee.m.HangUp(ctx)

	deadline := time.Now().Add(45 * time.Second)
	for caller.m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatalf("caller stuck in %s after the connection was lost", caller.m.State())
		}
		time.Sleep(50 * time.Millisecond)
	}

	if ends := caller.endings(); len(ends) != 1 || ends[0] != EndConnectionLost {
		t.Errorf("caller endings = %v, want connection lost", ends)
	}
	if caller.media.Current() != nil {
		t.Error("caller media still held")
	}

	// The manager is usable again.
	relay.cut.Store(false)
	if err := caller.m.InitiateCall(ctx, alice, media.MediumAudio); err != nil {
		t.Errorf("InitiateCall after loss: %v", err)
	}
}
