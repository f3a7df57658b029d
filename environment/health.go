package environment

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthChecker probes a freshly created environment over HTTP.
type HealthChecker struct {
	Client *http.Client
	Clock  Clock
	Port   int
	// Paths are tried in order on every attempt; any 200 passes.
	Paths    []string
	Attempts int
	Interval time.Duration
}

func NewHealthChecker(port, attempts int, interval time.Duration, c Clock) *HealthChecker {
	return &HealthChecker{
		Client:   &http.Client{Timeout: 10 * time.Second},
		Clock:    c,
		Port:     port,
		Paths:    []string{"/health", "/"},
		Attempts: attempts,
		Interval: interval,
	}
}

// Check returns nil once host answers 200 on one of the paths, or ErrUnhealthy
// after Attempts failed attempts.
func (h *HealthChecker) Check(ctx context.Context, host string) error {
	clock := h.Clock
	if clock == nil {
		clock = RealClock{}
	}
	attempts := h.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	base := "http://" + net.JoinHostPort(host, strconv.Itoa(h.Port))

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		for _, p := range h.Paths {
			if lastErr = h.probe(ctx, base+p); lastErr == nil {
				log.Info().Str("url", base+p).Int("attempt", attempt).Msg("health: environment healthy")
				return nil
			}
		}
		log.Debug().Err(lastErr).Str("host", host).Int("attempt", attempt).Msg("health: check failed")
		if attempt == attempts {
			break
		}
		if err := clock.Sleep(ctx, h.Interval); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrUnhealthy, host, attempts, lastErr)
}

func (h *HealthChecker) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return nil
}
