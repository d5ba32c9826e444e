// Package signaling carries call signaling messages between two users over a
// relay: the wire shape, the payload codec, and typed dispatch of inbound
// messages.
package signaling

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peercall/internal/media"
)

// ErrMalformedPayload is returned when a message payload cannot be decoded.
var ErrMalformedPayload = errors.New("malformed signaling payload")

// UserID identifies a user on the relay.
type UserID int64

func (u UserID) String() string { return strconv.FormatInt(int64(u), 10) }

// Kind identifies the kind of signaling message.
type Kind string

const (
	KindOffer     Kind = "call:offer"
	KindAnswer    Kind = "call:answer"
	KindCandidate Kind = "call:ice-candidate"
	KindReject    Kind = "call:reject"
	KindBusy      Kind = "call:busy"
	KindEnd       Kind = "call:end"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindReject, KindBusy, KindEnd:
		return true
	}
	return false
}

// Message is the JSON structure exchanged through the relay. From is filled
// in by the Channel on send.
type Message struct {
	Kind     Kind            `json:"type"`
	From     UserID          `json:"from_user_id"`
	CallType media.Medium    `json:"callType,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// SDPPayload carries a session description. SDP is base64 (standard
// encoding) of the SDP text.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// NewDescriptionMessage builds an offer or answer carrying desc.
func NewDescriptionMessage(kind Kind, medium media.Medium, desc webrtc.SessionDescription) (Message, error) {
	payload, err := json.Marshal(SDPPayload{
		Type: desc.Type.String(),
		SDP:  base64.StdEncoding.EncodeToString([]byte(desc.SDP)),
	})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, CallType: medium, Payload: payload}, nil
}

// NewCandidateMessage builds an ice-candidate message.
func NewCandidateMessage(c webrtc.ICECandidateInit) (Message, error) {
	payload, err := json.Marshal(CandidatePayload{Candidate: c})
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindCandidate, Payload: payload}, nil
}

// Description decodes the SDP payload of an offer or answer. The SDP text is
// not validated here; that is the peer connection's job.
func (m Message) Description() (webrtc.SessionDescription, error) {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s without payload", ErrMalformedPayload, m.Kind)
	}

	var p SDPPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrMalformedPayload)
	}
	raw, err := base64.StdEncoding.DecodeString(p.SDP)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: sdp is not base64: %v", ErrMalformedPayload, err)
	}

	sdpType := webrtc.NewSDPType(p.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		// The kind is authoritative when the payload omits or garbles it.
		switch m.Kind {
		case KindOffer:
			sdpType = webrtc.SDPTypeOffer
		case KindAnswer:
			sdpType = webrtc.SDPTypeAnswer
		}
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: string(raw)}, nil
}

// Candidate decodes the payload of an ice-candidate message.
func (m Message) Candidate() (webrtc.ICECandidateInit, error) {
	if len(m.Payload) == 0 || string(m.Payload) == "null" {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: candidate without payload", ErrMalformedPayload)
	}

	var p CandidatePayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.Candidate.Candidate == "" {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: empty candidate", ErrMalformedPayload)
	}
	return p.Candidate, nil
}

// Medium returns the call medium, defaulting to audio when absent.
func (m Message) Medium() media.Medium {
	medium, err := media.ParseMedium(string(m.CallType))
	if err != nil {
		return media.MediumAudio
	}
	return medium
}
