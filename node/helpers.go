package node

import (
	"os"
	"strconv"
)

func resolveHostname() (string, error) {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown", err
	}
	return h, nil
}

func pid() int { return os.Getpid() }

func itoa(n int) string { return strconv.Itoa(n) }

func uitoa(n uint64) string { return strconv.FormatUint(n, 10) }

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', 3, 64) }

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
