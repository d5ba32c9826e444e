package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseMedium(t *testing.T) {
	testCases := []struct {
		in      string
		want    Medium
		wantErr bool
	}{
		{"", MediumAudio, false},
		{"audio", MediumAudio, false},
		{"video", MediumVideo, false},
		{"screen", "", true},
	}
	for _, tc := range testCases {
		got, err := ParseMedium(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseMedium(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseMedium(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want Reason
	}{
		{"missing file", fmt.Errorf("open: %w", fs.ErrNotExist), ReasonDeviceNotFound},
		{"no permission", fmt.Errorf("open: %w", fs.ErrPermission), ReasonPermissionDenied},
		{"sentinel", ErrPermissionDenied, ReasonPermissionDenied},
		{"other", errors.New("codec exploded"), ReasonOther},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("mic", tc.err)
			if got.Reason != tc.want {
				t.Errorf("Reason = %s, want %s", got.Reason, tc.want)
			}
			if !errors.Is(got, tc.err) {
				t.Errorf("classified error does not wrap the cause")
			}
		})
	}

	acq := &AcquisitionError{Reason: ReasonDeviceNotFound, Err: ErrDeviceNotFound}
	if got := classify("x", fmt.Errorf("wrapped: %w", acq)); got != acq {
		t.Errorf("classify did not pass an existing AcquisitionError through")
	}
	if !errors.Is(acq, ErrDeviceNotFound) || errors.Is(acq, ErrPermissionDenied) {
		t.Errorf("errors.Is does not follow Reason")
	}
}

func TestDeviceCapturerSilence(t *testing.T) {
	stream, err := DeviceCapturer{}.Capture(MediumAudio, Devices{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(stream.Tracks()) != 1 || stream.Tracks()[0].Kind() != webrtc.RTPCodecTypeAudio {
		t.Fatalf("tracks = %+v", stream.Tracks())
	}

	stream.Stop()
	stream.Stop()
	if !stream.Stopped() {
		t.Error("stream not stopped")
	}
}

func TestDeviceCapturerErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.ogg")
	if err := os.WriteFile(garbage, []byte("definitely not ogg"), 0o644); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name    string
		medium  Medium
		devices Devices
		want    Reason
	}{
		{"no camera", MediumVideo, Devices{}, ReasonDeviceNotFound},
		{"missing audio file", MediumAudio, Devices{Audio: filepath.Join(dir, "nope.ogg")}, ReasonDeviceNotFound},
		{"missing video file", MediumVideo, Devices{Video: filepath.Join(dir, "nope.ivf")}, ReasonDeviceNotFound},
		{"bad audio file", MediumAudio, Devices{Audio: garbage}, ReasonOther},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stream, err := DeviceCapturer{}.Capture(tc.medium, tc.devices)
			if err == nil {
				stream.Stop()
				t.Fatal("expected error, got nil")
			}
			var acqErr *AcquisitionError
			if !errors.As(err, &acqErr) {
				t.Fatalf("error %T is not *AcquisitionError", err)
			}
			if acqErr.Reason != tc.want {
				t.Errorf("Reason = %s, want %s", acqErr.Reason, tc.want)
			}
		})
	}
}

// fakeCapturer hands out silent streams without starting any pumps.
type fakeCapturer struct {
	calls int
	err   error
}

func (f *fakeCapturer) Capture(medium Medium, devices Devices) (*Stream, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	tracks := []*Track{newTestTrack(webrtc.RTPCodecTypeAudio)}
	if medium.HasVideo() {
		tracks = append(tracks, newTestTrack(webrtc.RTPCodecTypeVideo))
	}
	return NewStream(medium, tracks...), nil
}

func newTestTrack(kind webrtc.RTPCodecType) *Track {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, kind.String(), "test")
	if err != nil {
		panic(err)
	}
	return NewTrack(local, kind)
}

func TestManagerAcquireReuseAndReplace(t *testing.T) {
	capturer := &fakeCapturer{}
	m := NewManager(capturer, Devices{})
	ctx := context.Background()

	first, err := m.Acquire(ctx, MediumAudio)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	again, err := m.Acquire(ctx, MediumAudio)
	if err != nil {
		t.Fatalf("Acquire again: %v", err)
	}
	if again != first || capturer.calls != 1 {
		t.Errorf("matching live stream was not reused (calls=%d)", capturer.calls)
	}

	video, err := m.Acquire(ctx, MediumVideo)
	if err != nil {
		t.Fatalf("Acquire video: %v", err)
	}
	if !first.Stopped() {
		t.Error("mismatched stream was not stopped")
	}
	if video.Medium() != MediumVideo || len(video.Tracks()) != 2 {
		t.Errorf("video stream = %s with %d tracks", video.Medium(), len(video.Tracks()))
	}

	m.Release()
	m.Release()
	if !video.Stopped() || m.Current() != nil {
		t.Error("Release left a live stream")
	}
}

func TestManagerAcquireFailure(t *testing.T) {
	m := NewManager(&fakeCapturer{err: fs.ErrPermission}, Devices{Audio: "mic.ogg"})
	_, err := m.Acquire(context.Background(), MediumAudio)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Device != "mic.ogg" {
		t.Errorf("err = %#v", err)
	}
	if m.Current() != nil {
		t.Error("failed acquisition left a stream")
	}
}

func TestManagerToggle(t *testing.T) {
	m := NewManager(&fakeCapturer{}, Devices{})
	if _, ok := m.ToggleAudio(); ok {
		t.Error("ToggleAudio without stream reported ok")
	}

	if _, err := m.Acquire(context.Background(), MediumAudio); err != nil {
		t.Fatal(err)
	}
	if enabled, ok := m.ToggleAudio(); !ok || enabled {
		t.Errorf("ToggleAudio = %v, %v; want muted", enabled, ok)
	}
	if enabled, ok := m.ToggleAudio(); !ok || !enabled {
		t.Errorf("ToggleAudio = %v, %v; want unmuted", enabled, ok)
	}
	if _, ok := m.ToggleVideo(); ok {
		t.Error("ToggleVideo on an audio call reported ok")
	}
}

func TestManagerSwitchKeepsEnableFlags(t *testing.T) {
	m := NewManager(&fakeCapturer{}, Devices{Audio: "a.ogg"})
	ctx := context.Background()

	if _, err := m.Switch(ctx, Devices{Audio: "b.ogg"}); !errors.Is(err, ErrNoStream) {
		t.Errorf("Switch without stream = %v, want ErrNoStream", err)
	}
	if m.Devices().Audio != "b.ogg" {
		t.Errorf("devices not updated without a stream")
	}

	old, err := m.Acquire(ctx, MediumVideo)
	if err != nil {
		t.Fatal(err)
	}
	m.ToggleVideo()

	next, err := m.Switch(ctx, Devices{Audio: "c.ogg", Video: "cam.ivf"})
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if !old.Stopped() || next.Stopped() || m.Current() != next {
		t.Error("Switch did not replace the live stream")
	}
	if enabled, _ := next.kindEnabled(webrtc.RTPCodecTypeVideo); enabled {
		t.Error("camera was re-enabled by Switch")
	}
	if enabled, _ := next.kindEnabled(webrtc.RTPCodecTypeAudio); !enabled {
		t.Error("microphone was disabled by Switch")
	}
}
