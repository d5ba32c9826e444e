package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/peercall/internal/util"
)

// ErrSelfTarget is returned when sending a message to the local user.
var ErrSelfTarget = errors.New("cannot signal yourself")

// Transport is the relay: it delivers a message to one user's inbox and
// feeds the local inbox to a handler. Delivery is at-least-once with no
// ordering guarantee.
type Transport interface {
	Send(ctx context.Context, msg Message, to UserID) error
	// Subscribe calls fn for every inbound message until ctx is cancelled or
	// the transport fails. fn is called from a single goroutine.
	Subscribe(ctx context.Context, fn func(Message)) error
}

// Handler receives inbound messages, one method per kind.
type Handler interface {
	HandleOffer(msg Message)
	HandleAnswer(msg Message)
	HandleCandidate(msg Message)
	HandleReject(msg Message)
	HandleBusy(msg Message)
	HandleEnd(msg Message)
}

// Channel stamps outbound messages with the local user id and dispatches
// inbound ones by kind. Messages that claim to come from the local user are
// dropped.
type Channel struct {
	transport   Transport
	self        UserID
	sendTimeout time.Duration
}

func NewChannel(transport Transport, self UserID, sendTimeout time.Duration) *Channel {
	return &Channel{transport: transport, self: self, sendTimeout: sendTimeout}
}

func (c *Channel) Self() UserID { return c.self }

// Send delivers msg to the user to. Failures are logged, counted and
// returned; there is no retry.
func (c *Channel) Send(ctx context.Context, msg Message, to UserID) error {
	if to == c.self {
		return ErrSelfTarget
	}
	msg.From = c.self

	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}

	if err := c.transport.Send(ctx, msg, to); err != nil {
		util.Stats.AddSignalFailed()
		util.LogWarning("failed to send %s to user %s: %v", msg.Kind, to, err)
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}

	util.Stats.AddSignalSent()
	util.LogDebug("sent %s to user %s", msg.Kind, to)
	return nil
}

// Listen subscribes to the local inbox and dispatches every message to h.
// It blocks until ctx is cancelled or the transport fails.
func (c *Channel) Listen(ctx context.Context, h Handler) error {
	return c.transport.Subscribe(ctx, func(msg Message) {
		c.dispatch(msg, h)
	})
}

func (c *Channel) dispatch(msg Message, h Handler) {
	if msg.From == c.self {
		util.LogDebug("dropping own %s (loopback)", msg.Kind)
		return
	}

	util.Stats.AddSignalRecv()
	util.LogDebug("received %s from user %s", msg.Kind, msg.From)

	switch msg.Kind {
	case KindOffer:
		h.HandleOffer(msg)
	case KindAnswer:
		h.HandleAnswer(msg)
	case KindCandidate:
		h.HandleCandidate(msg)
	case KindReject:
		h.HandleReject(msg)
	case KindBusy:
		h.HandleBusy(msg)
	case KindEnd:
		h.HandleEnd(msg)
	default:
		util.LogWarning("ignoring unknown signaling message %q from user %s", msg.Kind, msg.From)
	}
}
