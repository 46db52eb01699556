// Package httppush delivers outbound payloads over HTTP POST.
package httppush

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	requestTimeout = 15 * time.Second
	maxRetries     = 3
)

// Pusher POSTs JSON payloads to subscriber addresses. Data pushes are
// retried with exponential backoff; heartbeats are not, a missed heartbeat
// is cheaper than a late one
type Pusher struct {
	client *http.Client
}

func NewPusher() *Pusher {
	return &Pusher{
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

func (p *Pusher) Push(ctx context.Context, address string, payload []byte, isHeartbeat bool) error {
	attempt := func() error {
		return p.post(ctx, address, payload)
	}

	if isHeartbeat {
		return attempt()
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries),
		ctx,
	)
	return backoff.Retry(attempt, policy)
}

func (p *Pusher) post(ctx context.Context, address string, payload []byte) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := p.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("consumer returned status %d", response.StatusCode)
	}

	return nil
}
