package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/peercall/internal/util"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	opusClockRate     = 48000
)

// opusSilence is a single 20ms Opus frame (TOC 0xf8) that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// sampleSource yields encoded media samples. next returns io.EOF when the
// underlying device runs out; sources that loop never do.
type sampleSource interface {
	next() ([]byte, time.Duration, error)
	Close() error
}

// silenceSource is the built-in microphone used when no audio device is
// configured. It never ends.
type silenceSource struct{}

func (silenceSource) next() ([]byte, time.Duration, error) {
	return opusSilence, opusFrameDuration, nil
}

func (silenceSource) Close() error { return nil }

// oggSource reads Opus pages from an Ogg file.
type oggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string) (sampleSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("not an Ogg/Opus file: %w", err)
	}
	return &oggSource{file: f, reader: reader}, nil
}

func (s *oggSource) next() ([]byte, time.Duration, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if err != nil {
			return nil, 0, err
		}
		// Header and comment pages carry no audio.
		if header.GranulePosition <= s.lastGranule {
			continue
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		return page, time.Duration(samples) * time.Second / opusClockRate, nil
	}
}

func (s *oggSource) Close() error { return s.file.Close() }

// ivfSource reads VP8 frames from an IVF file.
type ivfSource struct {
	file     *os.File
	reader   *ivfreader.IVFReader
	interval time.Duration
}

func openIVF(path string) (sampleSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("not an IVF file: %w", err)
	}
	if header.FourCC != "VP80" {
		f.Close()
		return nil, fmt.Errorf("unsupported video codec %q, only VP8 is supported", header.FourCC)
	}
	if header.TimebaseDenominator == 0 {
		f.Close()
		return nil, errors.New("IVF header has zero timebase")
	}

	interval := time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	return &ivfSource{file: f, reader: reader, interval: interval}, nil
}

func (s *ivfSource) next() ([]byte, time.Duration, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if err != nil {
		return nil, 0, err
	}
	return frame, s.interval, nil
}

func (s *ivfSource) Close() error { return s.file.Close() }

// loopSource restarts a file-backed source from the beginning when it ends,
// so a short clip behaves like a live device.
type loopSource struct {
	open    func() (sampleSource, error)
	current sampleSource
}

func newLoopSource(open func() (sampleSource, error)) (*loopSource, error) {
	src, err := open()
	if err != nil {
		return nil, err
	}
	return &loopSource{open: open, current: src}, nil
}

func (l *loopSource) next() ([]byte, time.Duration, error) {
	data, dur, err := l.current.next()
	if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return data, dur, err
	}

	l.current.Close()
	src, err := l.open()
	if err != nil {
		return nil, 0, err
	}
	l.current = src

	// A file that is empty right after reopening would spin forever.
	return l.current.next()
}

func (l *loopSource) Close() error { return l.current.Close() }

// pump writes samples from src into track at the pace of the sample
// durations until ctx is cancelled or the source fails.
func pump(ctx context.Context, track *Track, out *webrtc.TrackLocalStaticSample, src sampleSource) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		data, dur, err := src.next()
		if err != nil {
			if ctx.Err() == nil {
				util.LogWarning("%s capture stopped: %v", track.Kind(), err)
			}
			return
		}

		if track.Enabled() {
			if err := out.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); err != nil {
				util.LogDebug("%s write sample: %v", track.Kind(), err)
			} else {
				util.Stats.AddSent(len(data))
			}
		}

		timer.Reset(dur)
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
}
