package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	netutil "github.com/veriflow/veriflow/pkg/net"
)

// defaultRetryDelay and defaultMaxAttempts are spec.md §4.12's ping-mode
// notification retry policy defaults.
const (
	defaultRetryDelay  = 5 * time.Second
	defaultMaxAttempts = 3
)

// Notifier delivers ping-mode callbacks to a client's
// client_notification_endpoint once a request leaves StatusPending,
// retrying transient failures with exponential backoff under a
// per-endpoint circuit breaker — the same resilience shape as C3's
// per-jwks_uri JWKSFetcher, applied to outbound webhook delivery instead
// of JWKS fetches.
type Notifier struct {
	httpClient  *http.Client
	retryDelay  time.Duration
	maxAttempts int

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewNotifier builds a Notifier using httpClient for outbound delivery.
func NewNotifier(httpClient *http.Client) *Notifier {
	return &Notifier{
		httpClient:  httpClient,
		retryDelay:  defaultRetryDelay,
		maxAttempts: defaultMaxAttempts,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
	}
}

// pinnedClient dials only the addresses ResolvePublicHTTPSIPs already
// validated for this delivery, the same rebinding guard JWKSFetcher applies
// to its own outbound fetch.
func (n *Notifier) pinnedClient(ips []net.IP) *http.Client {
	transport := &http.Transport{DialContext: netutil.PinnedDialContext(ips)}
	if base, ok := n.httpClient.Transport.(*http.Transport); ok {
		transport = base.Clone()
		transport.DialContext = netutil.PinnedDialContext(ips)
	}
	return &http.Client{Transport: transport, Timeout: n.httpClient.Timeout}
}

func (n *Notifier) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	if b, ok := n.breakers[endpoint]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "ciba-notify:" + endpoint})
	n.breakers[endpoint] = b
	return b
}

// Notify POSTs {"auth_req_id": authReqID} to req.NotificationEndpoint with
// a bearer token of req.ClientNotificationToken, retrying transient
// failures (connection errors, timeouts, 5xx) up to maxAttempts times
// with exponential backoff starting at retryDelay. It refuses to notify
// at all for a request whose tokens were already issued or which was
// already notified (NotifiedAt set), per spec.md's "do not re-notify a
// terminal state" rule.
func (n *Notifier) Notify(ctx context.Context, authReqID string, req Request) error {
	if req.Mode != ModePing {
		return nil
	}
	if req.Status == StatusPending {
		return fmt.Errorf("ciba: cannot notify a still-pending request")
	}
	if req.TokenIssued || !req.NotifiedAt.IsZero() {
		return nil
	}
	ips, err := netutil.ResolvePublicHTTPSIPs(ctx, nil, req.NotificationEndpoint)
	if err != nil {
		return fmt.Errorf("ciba: notification endpoint rejected: %w", err)
	}

	body, err := json.Marshal(struct {
		AuthReqID string `json:"auth_req_id"`
	}{AuthReqID: authReqID})
	if err != nil {
		return fmt.Errorf("ciba: marshal notification body: %w", err)
	}

	breaker := n.breakerFor(req.NotificationEndpoint)
	delay := n.retryDelay
	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, n.deliver(ctx, req, body, ips)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, errPermanent) {
			return err
		}
		lastErr = err
		if attempt == n.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("ciba: notification delivery failed after %d attempts: %w", n.maxAttempts, lastErr)
}

// errPermanent marks a delivery failure (4xx) that retrying cannot fix —
// only connection errors, timeouts, and 5xx responses are worth retrying.
var errPermanent = errors.New("ciba: notification endpoint rejected the callback")

func (n *Notifier) deliver(ctx context.Context, req Request, body []byte, ips []net.IP) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.NotificationEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.ClientNotificationToken)

	resp, err := n.pinnedClient(ips).Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("ciba: notification endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return errPermanent
	}
	return nil
}
