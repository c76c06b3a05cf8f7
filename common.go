package mls

import "fmt"

// dup returns a fresh copy of in, so callers never alias secret material
// across states.
func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func zero(size int) []byte {
	return make([]byte, size)
}

// zeroize overwrites b in place; used to scrub secrets once a chain has
// stepped past them.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func validateEnum(v uint8, known ...uint8) error {
	for _, k := range known {
		if v == k {
			return nil
		}
	}
	return fmt.Errorf("mls: unknown enum value %d: %w", v, ErrInvalidParameter)
}
