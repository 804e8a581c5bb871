package client

import (
	"context"
	"errors"
)

type sendSignalPayload struct {
	Signal   string   `json:"signal"`
	Services []string `json:"services"`
}

// SendSignal delivers the named POSIX signal (e.g. "SIGHUP") to each of the
// named services' running processes. An unknown signal name is rejected by
// the server as an APIError.
func (c *Client) SendSignal(ctx context.Context, signal string, services []string) error {
	if len(services) == 0 {
		return errors.New("cannot send signal to an empty list of services")
	}
	return c.doSync(ctx, "POST", "/v1/signals", nil, &sendSignalPayload{
		Signal:   signal,
		Services: services,
	}, nil)
}
