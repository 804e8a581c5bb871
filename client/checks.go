package client

import (
	"context"
	"net/url"
)

// CheckLevel is a health check's level.
type CheckLevel string

const (
	UnsetLevel CheckLevel = ""
	AliveLevel CheckLevel = "alive"
	ReadyLevel CheckLevel = "ready"
)

// CheckStatus is a health check's current state.
type CheckStatus string

const (
	CheckStatusUp       CheckStatus = "up"
	CheckStatusDown     CheckStatus = "down"
	CheckStatusInactive CheckStatus = "inactive"
)

// CheckInfo describes one configured health check.
type CheckInfo struct {
	Name      string      `json:"name"`
	Level     CheckLevel  `json:"level,omitempty"`
	Status    CheckStatus `json:"status"`
	Failures  int         `json:"failures,omitempty"`
	Threshold int         `json:"threshold"`
	// ChangeID tracks the check's recovery attempt when it is down.
	ChangeID ChangeID `json:"change-id,omitempty"`
}

// ChecksOptions are the filters for Checks.
type ChecksOptions struct {
	Level CheckLevel
	Names []string
}

// Checks lists the configured health checks and their current status.
func (c *Client) Checks(ctx context.Context, opts *ChecksOptions) ([]*CheckInfo, error) {
	query := url.Values{}
	if opts != nil {
		if opts.Level != UnsetLevel {
			query.Set("level", string(opts.Level))
		}
		multiValues(query, "names", opts.Names)
	}
	var checks []*CheckInfo
	if err := c.doSync(ctx, "GET", "/v1/checks", query, nil, &checks); err != nil {
		return nil, err
	}
	return checks, nil
}

type checksActionPayload struct {
	Action string   `json:"action"`
	Checks []string `json:"checks"`
}

type checksActionResult struct {
	Changed []string `json:"changed"`
}

// StartChecks starts the named checks, returning the names of those that
// actually changed state.
func (c *Client) StartChecks(ctx context.Context, names []string) ([]string, error) {
	return c.checksAction(ctx, "start", names)
}

// StopChecks stops the named checks, returning the names of those that
// actually changed state.
func (c *Client) StopChecks(ctx context.Context, names []string) ([]string, error) {
	return c.checksAction(ctx, "stop", names)
}

func (c *Client) checksAction(ctx context.Context, action string, names []string) ([]string, error) {
	var result checksActionResult
	err := c.doSync(ctx, "POST", "/v1/checks", nil, &checksActionPayload{
		Action: action,
		Checks: names,
	}, &result)
	if err != nil {
		return nil, err
	}
	// Older servers send "changed": null when nothing changed state;
	// normalize so callers always see a slice.
	if result.Changed == nil {
		return []string{}, nil
	}
	return result.Changed, nil
}
