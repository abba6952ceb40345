// Package persistence contains helpers shared by store implementations.
package persistence

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatCursor renders a change log position for clients.
func FormatCursor(version int64) string {
	return strconv.FormatInt(version, 10)
}

// ParseCursor parses a change log position. An empty token is the start of history.
func ParseCursor(token string) (int64, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	version, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", token, err)
	}
	if version < 0 {
		return 0, fmt.Errorf("invalid cursor %q: must not be negative", token)
	}
	return version, nil
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit, defaultLimit, maxLimit int) int {
	if limit <= 0 {
		limit = defaultLimit
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	return limit
}
