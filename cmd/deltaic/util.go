package main

import (
	"fmt"
	"os"
)

// ensureDir creates dir (and any parents) if it does not already exist.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// humanizeSize renders a byte count in the largest unit that keeps it
// at least 1, matching the original's humanize_size helper used by
// `archive ls`.
func humanizeSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
