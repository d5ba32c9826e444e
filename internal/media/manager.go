package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/util"
)

// Manager owns the local capture stream. At most one stream is live at a
// time; acquiring a different medium replaces it.
//
// The manager holds its own lock while a device is being opened, so callers
// must not call it while holding locks that capture could wait on.
type Manager struct {
	capturer Capturer

	mu      sync.Mutex
	devices Devices
	current *Stream
}

func NewManager(capturer Capturer, devices Devices) *Manager {
	return &Manager{capturer: capturer, devices: devices}
}

// Acquire returns a live stream for medium, reusing the current one when it
// matches.
func (m *Manager) Acquire(ctx context.Context, medium Medium) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Reason: ReasonOther, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && !m.current.Stopped() {
		if m.current.Medium() == medium {
			return m.current, nil
		}
		util.LogDebug("replacing %s stream with %s", m.current.Medium(), medium)
		m.current.Stop()
	}
	m.current = nil

	stream, err := m.capture(medium, m.devices)
	if err != nil {
		return nil, err
	}
	m.current = stream
	util.LogDebug("acquired %s stream (%d tracks)", medium, len(stream.Tracks()))
	return stream, nil
}

// Release stops every local track. Safe to call without a live stream.
func (m *Manager) Release() {
	m.mu.Lock()
	stream := m.current
	m.current = nil
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
		util.LogDebug("released %s stream", stream.Medium())
	}
}

// ToggleAudio flips the microphone tracks. ok is false without a live
// stream.
func (m *Manager) ToggleAudio() (enabled, ok bool) {
	return m.toggle(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the camera tracks. ok is false when there is no live
// stream or it has no video.
func (m *Manager) ToggleVideo() (enabled, ok bool) {
	return m.toggle(webrtc.RTPCodecTypeVideo)
}

func (m *Manager) toggle(kind webrtc.RTPCodecType) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Stopped() {
		return false, false
	}
	enabled, ok := m.current.kindEnabled(kind)
	if !ok {
		return false, false
	}
	m.current.setKindEnabled(kind, !enabled)
	return !enabled, true
}

// Switch changes the capture devices. When a stream is live it is
// re-captured from the new devices with the same medium and enable flags,
// and the old stream is stopped. If the new devices fail, the old stream and
// devices stay in place.
func (m *Manager) Switch(ctx context.Context, devices Devices) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Reason: ReasonOther, Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	old := m.current
	if old == nil || old.Stopped() {
		m.devices = devices
		return nil, ErrNoStream
	}

	stream, err := m.capture(old.Medium(), devices)
	if err != nil {
		return nil, err
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if enabled, ok := old.kindEnabled(kind); ok {
			stream.setKindEnabled(kind, enabled)
		}
	}

	m.devices = devices
	m.current = stream
	old.Stop()
	util.LogInfo("switched capture devices (audio=%q video=%q)", devices.Audio, devices.Video)
	return stream, nil
}

// Current returns the live stream, or nil.
func (m *Manager) Current() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Stopped() {
		return nil
	}
	return m.current
}

func (m *Manager) Devices() Devices {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices
}

func (m *Manager) capture(medium Medium, devices Devices) (*Stream, error) {
	stream, err := m.capturer.Capture(medium, devices)
	if err != nil {
		device := devices.Audio
		if medium.HasVideo() {
			device = devices.Video
		}
		return nil, classify(device, err)
	}
	if stream == nil {
		return nil, &AcquisitionError{Reason: ReasonOther, Err: ErrNoStream}
	}
	return stream, nil
}
