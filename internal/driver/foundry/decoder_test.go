package foundry

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"gm-toolbox/pkg/toolbox"
)

func TestDefaultDecoderDecode(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	decoder := NewDefaultDecoder(
		WithClock(clockwork.NewFakeClockAt(now)),
		WithIDGenerator(func() string { return "generated" }),
	)
	controlled := true
	targeted := false

	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
		assert  func(t *testing.T, event *toolbox.Event)
	}{
		{
			name: "control token",
			frame: Frame{
				Type:       FrameTypeControlToken,
				ID:         "host-1",
				User:       "u1",
				UserName:   "Alice",
				Token:      &TokenFrame{ID: "t1", Scene: "s1", Name: "Goblin"},
				Controlled: &controlled,
			},
			assert: func(t *testing.T, event *toolbox.Event) {
				t.Helper()
				if event.ID != "host-1" {
					t.Fatalf("id = %s, want host-1", event.ID)
				}
				if event.Kind != toolbox.EventKindTokenControlChanged {
					t.Fatalf("kind = %s, want %s", event.Kind, toolbox.EventKindTokenControlChanged)
				}
				if !event.OccurredAt.Equal(now) {
					t.Fatalf("occurred_at = %v, want %v", event.OccurredAt, now)
				}
				if event.Actor.ID != "u1" || event.Actor.Name != "Alice" {
					t.Fatalf("actor = %+v, want u1/Alice", event.Actor)
				}
				if event.Entity == nil || event.Entity.ID != "t1" || event.Entity.SceneID != "s1" {
					t.Fatalf("entity = %+v, want t1 in s1", event.Entity)
				}
				if event.Control == nil || !event.Control.Controlled {
					t.Fatalf("control = %+v, want controlled", event.Control)
				}
				if event.Source.Host != toolbox.HostFoundry {
					t.Fatalf("source host = %s, want %s", event.Source.Host, toolbox.HostFoundry)
				}
			},
		},
		{
			name: "target token gets generated id",
			frame: Frame{
				Type:     FrameTypeTargetToken,
				User:     "u1",
				Token:    &TokenFrame{ID: "t9"},
				Targeted: &targeted,
			},
			assert: func(t *testing.T, event *toolbox.Event) {
				t.Helper()
				if event.ID != "generated" {
					t.Fatalf("id = %s, want generated", event.ID)
				}
				if event.Target == nil || event.Target.Targeted {
					t.Fatalf("target = %+v, want untargeted", event.Target)
				}
			},
		},
		{
			name: "setting changed copies value",
			frame: Frame{
				Type: FrameTypeSettingChanged,
				User: "u1",
				Setting: &SettingFrame{
					Namespace: "gm-toolbox",
					Key:       "TargetService-isEnabled",
					Value:     []byte("true"),
				},
			},
			assert: func(t *testing.T, event *toolbox.Event) {
				t.Helper()
				if event.Setting == nil || string(event.Setting.Value) != "true" {
					t.Fatalf("setting = %+v, want value true", event.Setting)
				}
			},
		},
		{
			name:    "hello is not an event",
			frame:   Frame{Type: FrameTypeHello, User: "u1"},
			wantErr: true,
		},
		{
			name:    "control without token fails validation",
			frame:   Frame{Type: FrameTypeControlToken, User: "u1", Controlled: &controlled},
			wantErr: true,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			event, err := decoder.Decode(context.Background(), testCase.frame)
			if testCase.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			testCase.assert(t, event)
		})
	}
}

func TestNewDefaultDecoderAssignsUUIDs(t *testing.T) {
	t.Parallel()

	controlled := false
	event, err := NewDefaultDecoder().Decode(context.Background(), Frame{
		Type:       FrameTypeControlToken,
		User:       "u1",
		Token:      &TokenFrame{ID: "t1"},
		Controlled: &controlled,
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(event.ID) != 36 {
		t.Fatalf("id = %q, want uuid", event.ID)
	}
}
