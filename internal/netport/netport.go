// Package netport probes and selects local TCP ports.
package netport

import (
	"fmt"
	"net"
	"strconv"

	"github.com/rpggio/kairos/internal/apperror"
)

const (
	// alternates are tried right after the preferred port.
	alternates = 4
	// scanWidth bounds the range scan when no upper bound is configured.
	scanWidth = 100
)

// Available reports whether host:port can be bound right now.
func Available(host string, port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Candidates lists ports in the order Find tries them: preferred, the next
// few alternates, then a scan from max(min, preferred) up to max. Duplicates
// and ports outside [min, max] are skipped.
func Candidates(preferred, min, max int) []int {
	if max <= 0 {
		max = preferred + scanWidth - 1
	}
	seen := make(map[int]bool)
	var out []int
	add := func(p int) {
		if p < min || p > max || p <= 0 || p > 65535 || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}

	add(preferred)
	for i := 1; i <= alternates; i++ {
		add(preferred + i)
	}
	start := preferred
	if min > start {
		start = min
	}
	for p := start; p <= max; p++ {
		add(p)
	}
	// preferred may sit above the lower bound; finish with the low end.
	for p := min; p < start; p++ {
		add(p)
	}
	return out
}

// Find binds the first free candidate port and returns the open listener.
// The caller owns the listener.
func Find(host string, preferred, min, max int) (net.Listener, int, error) {
	for _, port := range Candidates(preferred, min, max) {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, apperror.New(apperror.NoPort, fmt.Sprintf("no available port in range %d-%d", min, max)).
		WithDetails(map[string]any{"preferred": preferred, "min": min, "max": max})
}

// Free returns the ports in [min, max] that are currently bindable.
func Free(host string, min, max int) []int {
	var out []int
	for p := min; p <= max; p++ {
		if Available(host, p) {
			out = append(out, p)
		}
	}
	return out
}
