package media

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Track is one local capture track. Disabling it mutes the track in place:
// the pump keeps its clock but stops writing samples, so no renegotiation is
// needed.
type Track struct {
	local   webrtc.TrackLocal
	kind    webrtc.RTPCodecType
	enabled atomic.Bool
}

// NewTrack wraps a pion local track. It starts enabled.
func NewTrack(local webrtc.TrackLocal, kind webrtc.RTPCodecType) *Track {
	t := &Track{local: local, kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *Track) Local() webrtc.TrackLocal { return t.local }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Enabled() bool { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// Stream groups the local tracks captured for one medium. Stop is
// idempotent and ends every pump goroutine feeding the tracks.
type Stream struct {
	medium Medium
	tracks []*Track

	ctx    context.Context
	cancel context.CancelFunc

	stopOnce sync.Once
	closers  []func() error
	wg       sync.WaitGroup
}

// NewStream builds a stream from already created tracks. Capturers attach
// their pumps with Go and their device handles with OnStop.
func NewStream(medium Medium, tracks ...*Track) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		medium: medium,
		tracks: tracks,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Stream) Medium() Medium   { return s.medium }
func (s *Stream) Tracks() []*Track { return s.tracks }

// Go runs fn in a goroutine bound to the stream's lifetime.
func (s *Stream) Go(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

// OnStop registers a cleanup to run once the pumps have exited.
func (s *Stream) OnStop(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Stop ends capture. Safe to call multiple times.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, fn := range s.closers {
			_ = fn()
		}
	})
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	return s.ctx.Err() != nil
}

// Done is closed when the stream is stopped.
func (s *Stream) Done() <-chan struct{} {
	return s.ctx.Done()
}

// kindEnabled reports the enable flag of the first track of kind.
func (s *Stream) kindEnabled(kind webrtc.RTPCodecType) (enabled, found bool) {
	for _, t := range s.tracks {
		if t.kind == kind {
			return t.Enabled(), true
		}
	}
	return false, false
}

func (s *Stream) setKindEnabled(kind webrtc.RTPCodecType, enabled bool) {
	for _, t := range s.tracks {
		if t.kind == kind {
			t.SetEnabled(enabled)
		}
	}
}

// RemoteStream collects the remote tracks of one call. It is created when
// the first remote track arrives.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) Add(track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()
}

func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}
