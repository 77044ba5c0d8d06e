package main

import "testing"

func TestFormatBytes(t *testing.T) {
	testCases := map[uint64]string{
		0:        "0B",
		512:      "512B",
		1024:     "1.0KiB",
		1536:     "1.5KiB",
		16 << 30: "16.0GiB",
		3 << 40:  "3.0TiB",
	}
	for value, want := range testCases {
		if got := formatBytes(value); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", value, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 20); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
	if got := truncate("a-very-long-process-name", 10); got != "a-very-lo~" {
		t.Fatalf("unexpected %q", got)
	}
}
