package loader

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Shuffle is the ordering policy of an epoch.
type Shuffle uint8

const (
	// ShuffleOff keeps identity order.
	ShuffleOff Shuffle = iota

	// ShuffleRandom shuffles differently on every run.
	ShuffleRandom

	// ShuffleSeeded shuffles reproducibly from a seed. Every worker using the
	// same seed and sample count sees the same order.
	ShuffleSeeded
)

// ParseShuffle parses "off", "random", or "seeded" (also "seed").
func ParseShuffle(s string) (Shuffle, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "off", "none":
		return ShuffleOff, nil
	case "random":
		return ShuffleRandom, nil
	case "seeded", "seed":
		return ShuffleSeeded, nil
	default:
		return ShuffleOff, fmt.Errorf("%w: unknown shuffle policy %q", ErrInvalidConfig, s)
	}
}

// String returns the string representation of the policy.
func (s Shuffle) String() string {
	switch s {
	case ShuffleOff:
		return "off"
	case ShuffleRandom:
		return "random"
	case ShuffleSeeded:
		return "seeded"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Shuffle) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Shuffle) UnmarshalText(text []byte) error {
	v, err := ParseShuffle(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Permutation returns an ordering of [0, n) under policy.
//
// ShuffleSeeded results depend only on seed and n.
func Permutation(policy Shuffle, seed uint64, n int64) []int64 {
	perm := make([]int64, max(n, 0))
	for i := range perm {
		perm[i] = int64(i)
	}
	var rng *rand.Rand
	switch policy {
	case ShuffleRandom:
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // benchmark ordering
	case ShuffleSeeded:
		rng = rand.New(rand.NewPCG(seed, seed)) //nolint:gosec // benchmark ordering
	default:
		return perm
	}
	rng.Shuffle(len(perm), func(i, j int) {
		perm[i], perm[j] = perm[j], perm[i]
	})
	return perm
}
