package foundry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"gm-toolbox/pkg/toolbox"
)

// Decoder converts bridge frames into neutral toolbox events.
type Decoder interface {
	// Decode maps one inbound frame into a validated neutral event envelope.
	Decode(ctx context.Context, frame Frame) (*toolbox.Event, error)
}

// DecoderOption mutates default decoder configuration.
type DecoderOption func(*DefaultDecoder)

// WithClock configures the clock used for event timestamps.
func WithClock(clock clockwork.Clock) DecoderOption {
	return func(d *DefaultDecoder) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithIDGenerator configures event ids assigned when the host omits one.
func WithIDGenerator(newID func() string) DecoderOption {
	return func(d *DefaultDecoder) {
		if newID != nil {
			d.newID = newID
		}
	}
}

// DefaultDecoder provides default frame-to-event mappings.
type DefaultDecoder struct {
	clock clockwork.Clock
	newID func() string
}

// NewDefaultDecoder creates a decoder using the wall clock and random UUIDs.
func NewDefaultDecoder(options ...DecoderOption) DefaultDecoder {
	decoder := DefaultDecoder{
		clock: clockwork.NewRealClock(),
		newID: uuid.NewString,
	}
	for _, option := range options {
		option(&decoder)
	}

	return decoder
}

// Decode converts one frame into a neutral event.
func (d DefaultDecoder) Decode(_ context.Context, frame Frame) (*toolbox.Event, error) {
	event := &toolbox.Event{
		ID:         frame.ID,
		OccurredAt: d.clock.Now().UTC(),
		Source:     toolbox.EventSource{Host: DriverHost},
		Actor: toolbox.Actor{
			ID:   frame.User,
			Name: frame.UserName,
		},
	}
	if event.ID == "" {
		event.ID = d.newID()
	}

	switch frame.Type {
	case FrameTypeControlToken:
		if frame.Controlled == nil {
			return nil, fmt.Errorf("decode %s: missing controlled", frame.Type)
		}
		event.Kind = toolbox.EventKindTokenControlChanged
		event.Entity = decodeToken(frame.Token)
		event.Control = &toolbox.ControlChange{Controlled: *frame.Controlled}
	case FrameTypeTargetToken:
		if frame.Targeted == nil {
			return nil, fmt.Errorf("decode %s: missing targeted", frame.Type)
		}
		event.Kind = toolbox.EventKindTokenTargetChanged
		event.Entity = decodeToken(frame.Token)
		event.Target = &toolbox.TargetChange{Targeted: *frame.Targeted}
	case FrameTypeSettingChanged:
		if frame.Setting == nil {
			return nil, fmt.Errorf("decode %s: missing setting", frame.Type)
		}
		event.Kind = toolbox.EventKindSettingChanged
		event.Setting = &toolbox.SettingChange{
			Namespace: frame.Setting.Namespace,
			Key:       frame.Setting.Key,
			Value:     append([]byte(nil), frame.Setting.Value...),
		}
	default:
		return nil, fmt.Errorf("decode frame %s: unsupported type", frame.Type)
	}

	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode frame %s: %w", frame.Type, err)
	}

	return event, nil
}

func decodeToken(token *TokenFrame) *toolbox.Entity {
	if token == nil {
		return nil
	}

	return &toolbox.Entity{
		ID:      token.ID,
		SceneID: token.Scene,
		Name:    token.Name,
	}
}
