// Package media acquires and releases local capture (microphone, camera) as
// pion local tracks and consumes remote tracks.
package media

import "fmt"

// Medium is the negotiated call medium.
type Medium string

const (
	MediumAudio Medium = "audio" // microphone only
	MediumVideo Medium = "video" // microphone + camera
)

// ParseMedium accepts the wire values "audio" and "video". An empty string is
// treated as audio, which is what the relay assumes when callType is absent.
func ParseMedium(s string) (Medium, error) {
	switch Medium(s) {
	case "", MediumAudio:
		return MediumAudio, nil
	case MediumVideo:
		return MediumVideo, nil
	default:
		return "", fmt.Errorf("unknown call medium %q", s)
	}
}

// HasVideo reports whether the medium includes a camera track.
func (m Medium) HasVideo() bool { return m == MediumVideo }

func (m Medium) String() string { return string(m) }
