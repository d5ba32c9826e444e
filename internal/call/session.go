package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/candidate"
	"github.com/1ureka/peercall/internal/media"
	"github.com/1ureka/peercall/internal/peer"
	"github.com/1ureka/peercall/internal/signaling"
)

// Peer is the part of *peer.Session the manager uses.
type Peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	ApplyRemoteDescription(desc webrtc.SessionDescription) error
	HasRemoteDescription() bool
	ApplyCandidate(c webrtc.ICECandidateInit) error
	ReplaceTracks(stream *media.Stream) error
	Close() error
}

var _ Peer = (*peer.Session)(nil)

// PeerFactory creates the peer connection for one call.
type PeerFactory func(stream *media.Stream, hooks peer.Hooks) (Peer, error)

// FromFactory adapts a *peer.Factory.
func FromFactory(f *peer.Factory) PeerFactory {
	return func(stream *media.Stream, hooks peer.Hooks) (Peer, error) {
		s, err := f.Create(stream, hooks)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Media is the part of *media.Manager the manager uses.
type Media interface {
	Acquire(ctx context.Context, medium media.Medium) (*media.Stream, error)
	Release()
	ToggleAudio() (enabled, ok bool)
	ToggleVideo() (enabled, ok bool)
	Switch(ctx context.Context, devices media.Devices) (*media.Stream, error)
}

var _ Media = (*media.Manager)(nil)

// session is everything that belongs to one call. All fields are guarded by
// Manager.mu.
type session struct {
	id          string
	counterpart signaling.UserID
	medium      media.Medium

	// offer is the buffered inbound offer; nil for outgoing calls.
	offer *webrtc.SessionDescription

	peer   Peer
	local  *media.Stream
	remote *media.RemoteStream

	queue *candidate.Queue
	// ready is set once the remote description is applied and the queue
	// has been drained; from then on candidates are applied directly.
	ready bool

	// signaled is set once our offer or answer is sent. Local candidates
	// gathered before that are held back so they never overtake it.
	signaled     bool
	pendingLocal []webrtc.ICECandidateInit

	accepting bool
	answering bool

	muted        bool
	videoEnabled bool

	timer *time.Timer
}

func newSession(counterpart signaling.UserID, medium media.Medium) *session {
	return &session{
		id:           uuid.NewString(),
		counterpart:  counterpart,
		medium:       medium,
		queue:        candidate.New(),
		videoEnabled: medium.HasVideo(),
	}
}

func (s *session) short() string {
	return s.id[:8]
}
