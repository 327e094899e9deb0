// Package strategy selects and executes caching strategies.
package strategy

import (
	"fmt"
	"strings"
)

// Strategy decides whether a request is served from a store, the network or both.
type Strategy int

const (
	// Serve the stored entry and refresh it in the background.
	StaleWhileRevalidate Strategy = iota
	// Serve the stored entry, go to the network only on a miss.
	CacheFirst
	// Go to the network, use the stored entry only when the network fails.
	NetworkFirst
	// Go to the network, never touch a store.
	NetworkOnly
)

var names = map[Strategy]string{
	StaleWhileRevalidate: "stale-while-revalidate",
	CacheFirst:           "cache-first",
	NetworkFirst:         "network-first",
	NetworkOnly:          "network-only",
}

func (s Strategy) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Parse returns the strategy with the given name.
func Parse(name string) (Strategy, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range names {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown strategy %q", name)
}

func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := names[s]; !ok {
		return nil, fmt.Errorf("unknown strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
