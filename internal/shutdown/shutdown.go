// Package shutdown calls the companion client agent's shutdown HTTP
// endpoint on a machine (the "external interface" referenced but not
// specified by spec §6). Grounded on the teacher's pattern of a
// small single-purpose HTTP client with its own timeout, seen across
// the corpus's various *client.go files (e.g. knative-serving's
// activator client doing bounded-timeout calls to revision pods).
package shutdown

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/oplik0/wakezilla/internal/werrors"
)

// CallTimeout bounds the shutdown HTTP call, per spec §5.
const CallTimeout = 5 * time.Second

// Client issues POST /turn-off calls. The zero value is ready to use.
type Client struct {
	// HTTPClient lets tests substitute a fake transport.
	HTTPClient *http.Client
}

// Call posts to http://ip:port/turn-off. Any 2xx status is success;
// the response body is never parsed. Non-2xx and transport errors
// both return ShutdownCallFailed.
func (c *Client) Call(ctx context.Context, machineID, ip string, port uint16) error {
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: CallTimeout}
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/turn-off", ip, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return &werrors.ShutdownCallFailed{MachineID: machineID, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return &werrors.ShutdownCallFailed{MachineID: machineID, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &werrors.ShutdownCallFailed{MachineID: machineID, StatusCode: resp.StatusCode}
	}
	return nil
}
