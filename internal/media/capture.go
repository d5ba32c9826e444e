package media

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Devices selects the capture devices. Audio "" is the built-in silence
// source, otherwise the path of an Ogg/Opus file. Video is the path of an
// IVF (VP8) file; "" means there is no camera.
type Devices struct {
	Audio string
	Video string
}

// Capturer opens capture devices and returns a live stream for medium.
// Errors should be *AcquisitionError; anything else is classified by the
// Manager.
type Capturer interface {
	Capture(medium Medium, devices Devices) (*Stream, error)
}

// DeviceCapturer is the file-backed Capturer used by the CLI.
type DeviceCapturer struct{}

var _ Capturer = DeviceCapturer{}

func (DeviceCapturer) Capture(medium Medium, devices Devices) (*Stream, error) {
	streamID := "peercall-" + uuid.NewString()

	audioSrc, err := openAudio(devices.Audio)
	if err != nil {
		return nil, classify(devices.Audio, err)
	}

	var videoSrc sampleSource
	if medium.HasVideo() {
		if devices.Video == "" {
			audioSrc.Close()
			return nil, &AcquisitionError{Reason: ReasonDeviceNotFound, Err: fmt.Errorf("no camera configured: %w", ErrDeviceNotFound)}
		}
		loop, err := newLoopSource(func() (sampleSource, error) { return openIVF(devices.Video) })
		if err != nil {
			audioSrc.Close()
			return nil, classify(devices.Video, err)
		}
		videoSrc = loop
	}

	audioOut, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		closeSources(audioSrc, videoSrc)
		return nil, classify(devices.Audio, err)
	}
	audio := NewTrack(audioOut, webrtc.RTPCodecTypeAudio)

	tracks := []*Track{audio}
	var videoOut *webrtc.TrackLocalStaticSample
	var video *Track
	if videoSrc != nil {
		videoOut, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			closeSources(audioSrc, videoSrc)
			return nil, classify(devices.Video, err)
		}
		video = NewTrack(videoOut, webrtc.RTPCodecTypeVideo)
		tracks = append(tracks, video)
	}

	stream := NewStream(medium, tracks...)
	stream.Go(func(ctx context.Context) { pump(ctx, audio, audioOut, audioSrc) })
	stream.OnStop(audioSrc.Close)
	if video != nil {
		stream.Go(func(ctx context.Context) { pump(ctx, video, videoOut, videoSrc) })
		stream.OnStop(videoSrc.Close)
	}
	return stream, nil
}

func openAudio(device string) (sampleSource, error) {
	if device == "" {
		return silenceSource{}, nil
	}
	return newLoopSource(func() (sampleSource, error) { return openOgg(device) })
}

func closeSources(srcs ...sampleSource) {
	for _, src := range srcs {
		if src != nil {
			src.Close()
		}
	}
}
