package selectionmemory

import (
	"bytes"
	"context"
	"fmt"

	"gm-toolbox/pkg/toolbox"
)

// handleSetting applies "TargetService-isEnabled" changes. Values other than
// JSON booleans are rejected.
func (m *Module) handleSetting(ctx context.Context, event *toolbox.Event) error {
	if event == nil || event.Setting == nil {
		return nil
	}
	if event.Setting.Namespace != SettingNamespace || event.Setting.Key != SettingKey {
		return nil
	}

	enabled, err := parseBool(event.Setting.Value)
	if err != nil {
		return fmt.Errorf("selection memory setting %s.%s: %w", SettingNamespace, SettingKey, err)
	}

	return m.SetEnabled(ctx, enabled)
}

func parseBool(raw []byte) (bool, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("value %q must be a boolean", raw)
	}
}
