package caller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// Request is one outbound call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Caller performs outbound requests. A returned error means the call could
// not be completed; any status code is a completed call.
type Caller interface {
	Perform(ctx context.Context, req Request) (int, error)
}

type HTTPCaller struct {
	client *http.Client
}

// NewHTTPCaller returns a caller backed by a pooled client. A zero timeout
// leaves calls unbounded.
func NewHTTPCaller(timeout time.Duration) *HTTPCaller {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return &HTTPCaller{client: client}
}

func (c *HTTPCaller) Perform(ctx context.Context, req Request) (int, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
