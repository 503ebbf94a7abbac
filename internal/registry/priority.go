package registry

import (
	"fmt"
	"strings"
)

// Priority orders image work. Lower values are more urgent.
type Priority int

const (
	High Priority = iota
	Medium
	Low
)

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{High, Medium, Low}

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	case Low:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the three known tiers.
func (p Priority) Valid() bool {
	return p >= High && p <= Low
}

// ParsePriority parses the textual form used in catalogs and flags.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "medium", "":
		return Medium, nil
	case "low":
		return Low, nil
	}
	return Medium, fmt.Errorf("unknown priority: %q", s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
