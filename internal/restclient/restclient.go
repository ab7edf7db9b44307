// Package restclient holds the small helpers shared by the outbound JSON API
// clients (hosting, chat platform, payment gateways). Requests go through
// fiber's fasthttp-based Agent.
package restclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Do executes the agent and decodes a 2xx JSON body into out (when non-nil).
func Do(ctx context.Context, agent *fiber.Agent, timeout time.Duration, out any) (int, error) {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	if timeout > 0 {
		agent.Timeout(timeout)
	}

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return code, errors.Join(errs...)
	}
	if code < 200 || code > 299 {
		return code, &StatusError{StatusCode: code, Body: truncate(string(body), 512)}
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return code, fmt.Errorf("decode response: %w", err)
		}
	}
	return code, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
