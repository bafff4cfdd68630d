package util

import "testing"

func TestUnpack(t *testing.T) {
	a, b, c := "a", "b", "c"
	Unpack([]string{"x"}, &a, &b, &c)
	if a != "x" || b != "b" || c != "c" {
		t.Errorf("Short slice unpacked into %q %q %q", a, b, c)
	}
	Unpack([]string{"1", "2", "3", "4"}, &a, &b)
	if a != "1" || b != "2" {
		t.Errorf("Long slice unpacked into %q %q", a, b)
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		line      string
		n         int
		cmd, rest string
	}{
		{"", 0, "", ""},
		{"stats", 1, "stats", ""},
		{"surface add top blue", 2, "surface", "add top blue"},
		{"  abort   top ", 2, "abort", "top"},
	}
	for _, test := range tests {
		var cmd, rest string
		n := SplitArgs(test.line, &cmd, &rest)
		if n != test.n || cmd != test.cmd || rest != test.rest {
			t.Errorf("SplitArgs(%q) = %d %q %q, want %d %q %q", test.line, n, cmd, rest, test.n, test.cmd, test.rest)
		}
	}
}
