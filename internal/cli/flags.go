package cli

import (
	"fmt"
	"time"
)

// parseTimeFlag parses an RFC3339 flag value; empty yields nil.
func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	t = t.UTC()
	return &t, nil
}
