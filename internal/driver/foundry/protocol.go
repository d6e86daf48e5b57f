package foundry

import (
	"encoding/json"
	"fmt"
	"strings"

	"gm-toolbox/pkg/toolbox"
)

const (
	// DriverType is the configuration token for the Foundry bridge driver.
	DriverType = "foundry"
	// DriverHost is the neutral host family produced by this driver.
	DriverHost = toolbox.HostFoundry
)

// FrameType identifies one bridge frame shape.
type FrameType string

const (
	// FrameTypeHello binds a connection to a user and seeds its current targets.
	FrameTypeHello FrameType = "hello"
	// FrameTypeControlToken reports a token being selected or released.
	FrameTypeControlToken FrameType = "controlToken"
	// FrameTypeTargetToken reports a token being targeted or untargeted by hand.
	FrameTypeTargetToken FrameType = "targetToken"
	// FrameTypeSettingChanged reports a client setting update.
	FrameTypeSettingChanged FrameType = "settingChanged"
	// FrameTypeUpdateTokenTargets is pushed to clients when their target set is replaced.
	FrameTypeUpdateTokenTargets FrameType = "updateTokenTargets"
)

// Frame is one inbound JSON message sent by the host plugin.
type Frame struct {
	// Type selects which optional fields are populated.
	Type FrameType `json:"type"`
	// ID is an optional host-side event identifier.
	ID string `json:"id,omitempty"`
	// User is the acting host user id.
	User string `json:"user"`
	// UserName is the acting user's display name.
	UserName string `json:"user_name,omitempty"`
	// Token is the token a control or target hook refers to.
	Token *TokenFrame `json:"token,omitempty"`
	// Controlled is the new selection state of Token.
	Controlled *bool `json:"controlled,omitempty"`
	// Targeted is the new targeting state of Token.
	Targeted *bool `json:"targeted,omitempty"`
	// Setting carries a changed setting value.
	Setting *SettingFrame `json:"setting,omitempty"`
	// Targets seeds the user's current targets on hello.
	Targets []string `json:"targets,omitempty"`
}

// TokenFrame describes one token as the host reports it.
type TokenFrame struct {
	ID    string `json:"id"`
	Scene string `json:"scene,omitempty"`
	Name  string `json:"name,omitempty"`
	// IsOwner is sent with controlToken frames. Target frames usually omit it.
	IsOwner *bool `json:"is_owner,omitempty"`
}

// SettingFrame describes one changed client setting.
type SettingFrame struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
}

// updateTokenTargetsFrame is the outbound replacement notification.
type updateTokenTargetsFrame struct {
	Type    FrameType `json:"type"`
	User    string    `json:"user"`
	Targets []string  `json:"targets"`
}

// ParseFrame decodes and shape-checks one inbound text frame.
func ParseFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("parse frame: %w", err)
	}
	frame.User = strings.TrimSpace(frame.User)
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("parse frame: missing type")
	}
	if frame.User == "" {
		return Frame{}, fmt.Errorf("parse frame %s: missing user", frame.Type)
	}

	switch frame.Type {
	case FrameTypeHello:
	case FrameTypeControlToken:
		if err := requireToken(frame); err != nil {
			return Frame{}, err
		}
		if frame.Controlled == nil {
			return Frame{}, fmt.Errorf("parse frame %s: missing controlled", frame.Type)
		}
	case FrameTypeTargetToken:
		if err := requireToken(frame); err != nil {
			return Frame{}, err
		}
		if frame.Targeted == nil {
			return Frame{}, fmt.Errorf("parse frame %s: missing targeted", frame.Type)
		}
	case FrameTypeSettingChanged:
		if frame.Setting == nil || frame.Setting.Namespace == "" || frame.Setting.Key == "" {
			return Frame{}, fmt.Errorf("parse frame %s: missing setting namespace or key", frame.Type)
		}
	default:
		return Frame{}, fmt.Errorf("parse frame: unsupported type %s", frame.Type)
	}

	return frame, nil
}

func requireToken(frame Frame) error {
	if frame.Token == nil || strings.TrimSpace(frame.Token.ID) == "" {
		return fmt.Errorf("parse frame %s: missing token id", frame.Type)
	}

	return nil
}

// encodeTargetsUpdate renders the outbound frame for a replaced target set.
// Empty sets encode as [] so the host clears its targets.
func encodeTargetsUpdate(userID string, targets []string) ([]byte, error) {
	if targets == nil {
		targets = []string{}
	}
	payload, err := json.Marshal(updateTokenTargetsFrame{
		Type:    FrameTypeUpdateTokenTargets,
		User:    userID,
		Targets: targets,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", FrameTypeUpdateTokenTargets, err)
	}

	return payload, nil
}
