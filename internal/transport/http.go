package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-meross/internal/protocol"
)

// HTTP adapter constants.
const (
	// defaultHTTPTimeout bounds one request/response exchange.
	defaultHTTPTimeout = 10 * time.Second

	// maxResponseSize caps device response bodies. System.All on hub
	// devices runs to a few tens of KB; 1MB is far beyond anything the
	// firmware produces.
	maxResponseSize = 1 << 20

	// maxIdleConnsPerHost keeps a single keep-alive connection per
	// device. Meross firmware handles one HTTP exchange at a time;
	// opening parallel sockets makes older devices drop connections.
	maxIdleConnsPerHost = 1
)

// Target identifies a device endpoint for the adapters.
type Target struct {
	// UUID is the stable appliance identifier.
	UUID string

	// Host is the ip or hostname for HTTP requests.
	Host string

	// Key is the shared secret used to verify response signatures.
	Key string

	// SignValidity is the timestamp window accepted on verification.
	// Zero means protocol.DefaultSignValidity.
	SignValidity time.Duration
}

// HTTPAdapter sends envelopes to devices with one POST per request over a
// pooled keep-alive connection.
//
// Thread Safety: safe for concurrent use; the pool serialises per host.
type HTTPAdapter struct {
	client  *http.Client
	timeout time.Duration
	logger  Logger
}

// NewHTTPAdapter creates the adapter with a dedicated connection pool.
// timeout bounds each exchange; zero selects the default.
func NewHTTPAdapter(timeout time.Duration, logger Logger) *HTTPAdapter {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPAdapter{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     maxIdleConnsPerHost,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
		logger:  logger,
	}
}

// Send posts the envelope to the device's /config endpoint and awaits the
// response through the correlator.
//
// PUSH-method queries are fire-and-forget: no pending request is
// registered and any body the device returns is routed as an unsolicited
// update (this is how PUSH-only namespaces are polled).
func (a *HTTPAdapter) Send(ctx context.Context, target Target, msg *protocol.Message, corr *Correlator) Outcome {
	body, err := msg.Encode()
	if err != nil {
		return Outcome{Err: fmt.Errorf("%w: %w", ErrTransport, err), Protocol: ProtocolHTTP}
	}

	fireAndForget := msg.Header.Method == protocol.MethodPush

	var ch <-chan Outcome
	if !fireAndForget {
		ch, err = corr.Register(msg.Header.MessageID, ProtocolHTTP, a.timeout)
		if err != nil {
			return Outcome{Err: err, Protocol: ProtocolHTTP}
		}
	}

	data, err := a.exchange(ctx, target.Host, body)
	if err != nil {
		if fireAndForget {
			return Outcome{Err: err, Protocol: ProtocolHTTP}
		}
		corr.Fail(msg.Header.MessageID, err, ProtocolHTTP)
		return <-ch
	}

	response, err := protocol.Decode(data)
	if err != nil {
		if fireAndForget {
			return Outcome{Err: fmt.Errorf("%w: %w", ErrTransport, err), Protocol: ProtocolHTTP}
		}
		corr.Fail(msg.Header.MessageID, fmt.Errorf("%w: %w", ErrTransport, err), ProtocolHTTP)
		return <-ch
	}

	if verifyErr := response.Verify(target.Key, target.SignValidity); verifyErr != nil {
		// A bad signature must never reach the sink as valid data.
		if a.logger != nil {
			a.logger.Warn("rejecting HTTP response",
				"uuid", target.UUID,
				"namespace", response.Header.Namespace,
				"error", verifyErr,
			)
		}
		if fireAndForget {
			return Outcome{Err: verifyErr, Protocol: ProtocolHTTP}
		}
		corr.Fail(msg.Header.MessageID, verifyErr, ProtocolHTTP)
		return <-ch
	}

	corr.Deliver(response, ProtocolHTTP)
	if fireAndForget {
		return Outcome{Protocol: ProtocolHTTP}
	}
	return <-ch
}

// exchange performs the raw POST, classifying failures into ErrTimeout and
// ErrTransport.
func (a *HTTPAdapter) exchange(ctx context.Context, host string, body []byte) ([]byte, error) {
	url := fmt.Sprintf("http://%s/config", host)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read side only

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: device returned HTTP %d", ErrTransport, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrTransport, err)
	}
	return data, nil
}

// Close releases idle pooled connections.
func (a *HTTPAdapter) Close() {
	a.client.CloseIdleConnections()
}
