package toolbox

import (
	"errors"
	"testing"
)

func TestFlagRefValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ref     FlagRef
		wantErr bool
	}{
		{name: "complete", ref: FlagRef{EntityID: "t1", Scope: "gm-toolbox", Key: "targets"}},
		{name: "missing entity", ref: FlagRef{Scope: "gm-toolbox", Key: "targets"}, wantErr: true},
		{name: "missing scope", ref: FlagRef{EntityID: "t1", Key: "targets"}, wantErr: true},
		{name: "missing key", ref: FlagRef{EntityID: "t1", Scope: "gm-toolbox"}, wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.ref.Validate()
			if testCase.wantErr && !errors.Is(err, ErrInvalidFlagRef) {
				t.Fatalf("error = %v, want ErrInvalidFlagRef", err)
			}
			if !testCase.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTargetSetClone(t *testing.T) {
	t.Parallel()

	if got := TargetSet(nil).Clone(); got != nil {
		t.Fatalf("clone of nil = %v, want nil", got)
	}

	original := TargetSet{"t1", "t2"}
	cloned := original.Clone()
	cloned[0] = "changed"
	if original[0] != "t1" {
		t.Fatalf("original mutated through clone: %v", original)
	}

	empty := TargetSet{}.Clone()
	if empty == nil || len(empty) != 0 {
		t.Fatalf("clone of empty = %#v, want empty non-nil", empty)
	}
}
