package kernel

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gm-toolbox/pkg/toolbox"
)

func TestCoveredByCapabilities(t *testing.T) {
	t.Parallel()

	settings := toolbox.Capability{
		Name: "settings",
		Interest: toolbox.InterestSet{
			Kinds:             []toolbox.EventKind{toolbox.EventKindSettingChanged},
			SettingNamespaces: []string{"gm-toolbox"},
		},
	}

	tests := []struct {
		name         string
		capabilities []toolbox.Capability
		interest     toolbox.InterestSet
		want         bool
	}{
		{
			name:     "no capabilities",
			interest: activationInterest(),
		},
		{
			name:         "activation covered",
			capabilities: []toolbox.Capability{settings, activationCapability()},
			interest:     activationInterest(),
			want:         true,
		},
		{
			name:         "activation without entity requirement is wider",
			capabilities: []toolbox.Capability{activationCapability()},
			interest:     toolbox.InterestSet{Kinds: []toolbox.EventKind{toolbox.EventKindTokenControlChanged}},
		},
		{
			name:         "core settings outside namespace",
			capabilities: []toolbox.Capability{settings},
			interest: toolbox.InterestSet{
				Kinds:             []toolbox.EventKind{toolbox.EventKindSettingChanged},
				SettingNamespaces: []string{"core"},
			},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := coveredByCapabilities(testCase.capabilities, testCase.interest); got != testCase.want {
				t.Fatalf("covered = %v, want %v", got, testCase.want)
			}
		})
	}
}

func TestModuleRuntimeForgetsClosedSubscriptions(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t, toolbox.SubscriptionSpec{}, nil)
	record := newModuleRecord(&recordingModule{
		name:  "remember",
		steps: &stepLog{},
	}, toolbox.ModuleSpec{AdditionalCapabilities: []toolbox.Capability{activationCapability()}})
	runtime := &moduleRuntime{record: record, services: NewServiceRegistry(), bus: bus}

	// Settings toggling selection memory off and on again.
	for round := 0; round < 3; round++ {
		subscription, err := runtime.Subscribe(context.Background(), activationInterest(), toolbox.SubscriptionSpec{},
			func(context.Context, *toolbox.Event) error { return nil })
		if err != nil {
			t.Fatalf("subscribe round %d failed: %v", round, err)
		}
		if subscription.Name() != "remember-subscription" {
			t.Fatalf("subscription name = %s, want remember-subscription", subscription.Name())
		}
		if got := record.liveCount(); got != 1 {
			t.Fatalf("live subscriptions = %d, want 1", got)
		}
		if err := subscription.Close(context.Background()); err != nil {
			t.Fatalf("close round %d failed: %v", round, err)
		}
		if got := record.liveCount(); got != 0 {
			t.Fatalf("live subscriptions after close = %d, want 0", got)
		}
	}

	_, err := runtime.Subscribe(context.Background(), toolbox.InterestSet{
		Kinds: []toolbox.EventKind{toolbox.EventKindTokenTargetChanged},
	}, toolbox.SubscriptionSpec{Name: "targets"}, func(context.Context, *toolbox.Event) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "module remember subscribe targets") {
		t.Fatalf("error = %v, want capability rejection", err)
	}
	if got := record.liveCount(); got != 0 {
		t.Fatalf("live subscriptions after rejection = %d, want 0", got)
	}
}

func TestModuleRecordCloseSubscriptionsJoinsFailures(t *testing.T) {
	t.Parallel()

	record := newModuleRecord(&recordingModule{name: "broken", steps: &stepLog{}}, toolbox.ModuleSpec{})
	record.track(&failingSubscription{name: "activation", err: errors.New("flag store write pending")})
	record.track(&failingSubscription{name: "settings"})
	record.track(&failingSubscription{name: "audit", err: errors.New("timeout")})

	err := record.closeSubscriptions(context.Background())
	if err == nil {
		t.Fatal("expected joined error")
	}
	for _, fragment := range []string{"close subscription activation", "close subscription audit"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("error = %v, want fragment %q", err, fragment)
		}
	}
	if strings.Contains(err.Error(), "close subscription settings") {
		t.Fatalf("error = %v, should not mention successful close", err)
	}
	if got := record.liveCount(); got != 0 {
		t.Fatalf("live subscriptions = %d, want 0 after close", got)
	}
	if err := record.closeSubscriptions(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}

type failingSubscription struct {
	name string
	err  error
}

func (s *failingSubscription) Name() string {
	return s.name
}

func (s *failingSubscription) Close(context.Context) error {
	return s.err
}
