package store

import (
	"encoding/json"
	"fmt"
)

// marshalJSON serializes policy snapshots and slices for TEXT columns
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON restores a TEXT column into v; empty input is a no-op
func unmarshalJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}
