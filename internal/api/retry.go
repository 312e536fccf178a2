package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// FaultClass buckets wire errors for retry budgeting. Classification leans
// on the error's message text, with type information as a tiebreaker; the
// platform does not expose a structured fault taxonomy.
type FaultClass int

const (
	FaultServer FaultClass = iota
	FaultNetwork
	FaultOther
)

func (f FaultClass) String() string {
	switch f {
	case FaultServer:
		return "server"
	case FaultNetwork:
		return "network"
	default:
		return "other"
	}
}

var serverFaultHints = []string{
	"internal server",
	"server error",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

var networkFaultHints = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"i/o timeout",
	"timeout awaiting",
	"tls handshake",
	"eof",
}

func ClassifyFault(err error) FaultClass {
	if err == nil {
		return FaultOther
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 && apiErr.StatusCode <= 599 {
			return FaultServer
		}
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return FaultServer
		}
	}
	message := strings.ToLower(err.Error())
	for _, hint := range serverFaultHints {
		if strings.Contains(message, hint) {
			return FaultServer
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return FaultNetwork
	}
	for _, hint := range networkFaultHints {
		if strings.Contains(message, hint) {
			return FaultNetwork
		}
	}
	return FaultOther
}

// RetryLimit is the maximum number of retries after the initial attempt:
// server faults get 3, network faults 2, anything else 1.
func RetryLimit(err error) int {
	switch ClassifyFault(err) {
	case FaultServer:
		return 3
	case FaultNetwork:
		return 2
	default:
		return 1
	}
}

// RetryDelay grows the base delay exponentially per attempt and caps it.
func RetryDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func SleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
