package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/peercall/internal/util"
)

// rtpWriter is implemented by pion's oggwriter and ivfwriter.
type rtpWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// Sink consumes remote tracks. Without a directory it only drains them (pion
// needs remote tracks to be read); with one it records Opus audio to .ogg
// and VP8 video to .ivf.
type Sink struct {
	dir string
}

func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

// Consume reads track until it ends. It blocks; run it in its own goroutine.
func (s *Sink) Consume(track *webrtc.TrackRemote, label string) error {
	writer, path, err := s.writerFor(track, label)
	if err != nil {
		util.LogWarning("cannot record %s track: %v", track.Kind(), err)
	}
	if writer != nil {
		util.LogInfo("recording remote %s to %s", track.Kind(), path)
	}

	return drain(track.Kind().String(), func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}, writer)
}

// drain reads packets until read fails, handing each to writer when there
// is one. A writer that fails is closed and dropped; reading goes on. The
// writer is closed exactly once.
func drain(kind string, read func() (*rtp.Packet, error), writer rtpWriter) error {
	defer func() {
		if writer != nil {
			writer.Close()
		}
	}()

	for {
		pkt, err := read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read remote %s: %w", kind, err)
		}
		util.Stats.AddRecv(len(pkt.Payload))

		if writer == nil {
			continue
		}
		if err := writer.WriteRTP(pkt); err != nil {
			util.LogWarning("recording %s stopped: %v", kind, err)
			writer.Close()
			writer = nil
		}
	}
}

func (s *Sink) writerFor(track *webrtc.TrackRemote, label string) (rtpWriter, string, error) {
	if s.dir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, "", err
	}

	codec := track.Codec()
	base := filepath.Join(s.dir, sanitizeName(label)+"-"+sanitizeName(track.ID()))
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		path := base + ".ogg"
		w, err := oggwriter.New(path, opusClockRate, channels)
		if err != nil {
			return nil, "", err
		}
		return w, path, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path := base + ".ivf"
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, "", err
		}
		return w, path, nil
	default:
		util.LogDebug("not recording unsupported codec %s", codec.MimeType)
		return nil, "", nil
	}
}

func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
	if s == "" {
		return "track"
	}
	return s
}
