package media

import (
	"errors"
	"io"
	"testing"

	"github.com/pion/rtp"
)

type countingWriter struct {
	written int
	closed  int
	failAt  int // WriteRTP fails on this write (1-based); 0 never
}

func (w *countingWriter) WriteRTP(*rtp.Packet) error {
	w.written++
	if w.written == w.failAt {
		return errors.New("disk full")
	}
	return nil
}

func (w *countingWriter) Close() error {
	w.closed++
	return nil
}

func packets(n int, end error) func() (*rtp.Packet, error) {
	return func() (*rtp.Packet, error) {
		if n == 0 {
			return nil, end
		}
		n--
		return &rtp.Packet{Payload: []byte{1, 2, 3}}, nil
	}
}

func TestDrainRecordsUntilEOF(t *testing.T) {
	w := &countingWriter{}
	if err := drain("audio", packets(3, io.EOF), w); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if w.written != 3 || w.closed != 1 {
		t.Errorf("written=%d closed=%d, want 3 and 1", w.written, w.closed)
	}
}

func TestDrainWriterFailureClosesOnce(t *testing.T) {
	w := &countingWriter{failAt: 2}
	if err := drain("video", packets(5, io.EOF), w); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if w.written != 2 {
		t.Errorf("written = %d, want recording to stop after the failure", w.written)
	}
	if w.closed != 1 {
		t.Errorf("writer closed %d times, want 1", w.closed)
	}
}

func TestDrainReadError(t *testing.T) {
	readErr := errors.New("srtp: closed")
	err := drain("audio", packets(1, readErr), nil)
	if !errors.Is(err, readErr) {
		t.Errorf("err = %v, want read error", err)
	}
}
