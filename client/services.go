package client

import (
	"context"
	"errors"
	"net/url"
)

// ServiceStartup is a service's configured startup behavior.
type ServiceStartup string

const (
	StartupEnabled  ServiceStartup = "enabled"
	StartupDisabled ServiceStartup = "disabled"
)

// ServiceStatus is a service's current state.
type ServiceStatus string

const (
	StatusActive   ServiceStatus = "active"
	StatusInactive ServiceStatus = "inactive"
	StatusBackoff  ServiceStatus = "backoff"
	StatusError    ServiceStatus = "error"
)

// ServiceInfo describes one managed service.
type ServiceInfo struct {
	Name    string         `json:"name"`
	Startup ServiceStartup `json:"startup"`
	Current ServiceStatus  `json:"current"`
}

// Services lists the services known to the supervisor, all of them when
// names is empty.
func (c *Client) Services(ctx context.Context, names []string) ([]*ServiceInfo, error) {
	query := url.Values{}
	if len(names) > 0 {
		query.Set("names", commaSeparated(names))
	}
	var services []*ServiceInfo
	if err := c.doSync(ctx, "GET", "/v1/services", query, nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

type serviceActionPayload struct {
	Action   string   `json:"action"`
	Services []string `json:"services"`
}

// Start starts the named services, returning the change tracking the
// operation. Pass the id to WaitChange to block on completion.
func (c *Client) Start(ctx context.Context, names []string) (ChangeID, error) {
	return c.serviceAction(ctx, "start", names)
}

// Stop stops the named services.
func (c *Client) Stop(ctx context.Context, names []string) (ChangeID, error) {
	return c.serviceAction(ctx, "stop", names)
}

// Restart stops and then starts the named services.
func (c *Client) Restart(ctx context.Context, names []string) (ChangeID, error) {
	return c.serviceAction(ctx, "restart", names)
}

func (c *Client) serviceAction(ctx context.Context, action string, names []string) (ChangeID, error) {
	if len(names) == 0 {
		return "", errors.New("cannot " + action + " an empty list of services")
	}
	return c.doAsync(ctx, "POST", "/v1/services", nil, &serviceActionPayload{
		Action:   action,
		Services: names,
	}, nil)
}
