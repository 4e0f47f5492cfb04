// Package sfuclient is a narrow client to the external media server,
// exposing only the rtp-capabilities pass-through the hub needs.
package sfuclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/liveroomhub/hub/internal/v1/metrics"
	"github.com/sony/gobreaker"
)

// RTPCapabilities is returned verbatim from the media server's capability
// negotiation endpoint; the hub does not interpret its contents.
type RTPCapabilities struct {
	Codecs           json.RawMessage `json:"codecs"`
	HeaderExtensions json.RawMessage `json:"headerExtensions"`
}

// Client calls the media server's HTTP surface, circuit-broken the same way
// the Store Gateway protects its backend.
type Client struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// New constructs a Client. baseURL is the media server's base address, e.g.
// "http://sfu.internal:8088".
func New(baseURL string) *Client {
	st := gobreaker.Settings{
		Name:        "sfu",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("sfu").Set(stateVal)
		},
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// RTPCapabilitiesForRoom fetches the negotiated capabilities for roomID.
func (c *Client) RTPCapabilitiesForRoom(ctx context.Context, roomID string) (*RTPCapabilities, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		url := fmt.Sprintf("%s/rooms/%s/rtp-capabilities", c.baseURL, roomID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("sfu: unexpected status %d: %s", resp.StatusCode, string(body))
		}

		var caps RTPCapabilities
		if err := json.NewDecoder(resp.Body).Decode(&caps); err != nil {
			return nil, fmt.Errorf("sfu: decode response: %w", err)
		}
		return &caps, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("sfu").Inc()
			return nil, ErrUnavailable
		}
		return nil, err
	}
	return result.(*RTPCapabilities), nil
}

// Healthy reports whether the circuit breaker is currently closed.
func (c *Client) Healthy() bool {
	return c.cb.State() == gobreaker.StateClosed
}
