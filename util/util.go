package util

import "strings"

// Unpacks a slice into arguments
// If the slice has less elements than variables passed in, the rest of the variables are not modified
// If the slice has more elements than the variables passed in, the additional elements are ignored
// Copied and adjusted from https://stackoverflow.com/a/19832661
func Unpack[T any](toUnpack []T, unpackInto ...*T) {
	for i := range min(len(toUnpack), len(unpackInto)) {
		*unpackInto[i] = toUnpack[i]
	}
}

// SplitArgs splits a command line on whitespace into the given strings.
// The last one gets everything that's left, spaces included.
// Returns how many arguments were present.
func SplitArgs(line string, into ...*string) int {
	if len(into) == 0 {
		return 0
	}
	parts := strings.SplitN(strings.TrimSpace(line), " ", len(into))
	if len(parts) == 1 && parts[0] == "" {
		return 0
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	Unpack(parts, into...)
	return len(parts)
}
