package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// ChangeID identifies one asynchronous change tracked by the server.
type ChangeID string

// TaskID identifies one task within a change.
type TaskID string

// Change describes one asynchronous operation and its tasks. Changes are
// created server-side; the client only reads them.
type Change struct {
	ID      ChangeID `json:"id"`
	Kind    string   `json:"kind"`
	Summary string   `json:"summary"`
	Status  string   `json:"status"`
	Tasks   []*Task  `json:"tasks,omitempty"`
	Ready   bool     `json:"ready"`
	Err     string   `json:"err,omitempty"`

	SpawnTime time.Time `json:"spawn-time"`
	ReadyTime time.Time `json:"ready-time,omitempty"`

	data map[string]json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler, keeping the opaque data map
// available through Get.
func (c *Change) UnmarshalJSON(b []byte) error {
	type plain Change
	var aux struct {
		plain
		Data map[string]json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*c = Change(aux.plain)
	c.data = aux.Data
	return nil
}

// Get unmarshals the entry under key in the change's data map into value,
// reporting whether the key was present.
func (c *Change) Get(key string, value interface{}) (bool, error) {
	raw, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, value)
}

// Task describes one step of a change.
type Task struct {
	ID       TaskID       `json:"id"`
	Kind     string       `json:"kind"`
	Summary  string       `json:"summary"`
	Status   string       `json:"status"`
	Log      []string     `json:"log,omitempty"`
	Progress TaskProgress `json:"progress"`

	SpawnTime time.Time `json:"spawn-time"`
	ReadyTime time.Time `json:"ready-time,omitempty"`

	data map[string]json.RawMessage
}

// TaskProgress reports a task's completion as done out of total units.
type TaskProgress struct {
	Label string `json:"label"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// UnmarshalJSON implements json.Unmarshaler, keeping the opaque data map
// available through Get.
func (t *Task) UnmarshalJSON(b []byte) error {
	type plain Task
	var aux struct {
		plain
		Data map[string]json.RawMessage `json:"data,omitempty"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*t = Task(aux.plain)
	t.data = aux.Data
	return nil
}

// Get unmarshals the entry under key in the task's data map into value,
// reporting whether the key was present.
func (t *Task) Get(key string, value interface{}) (bool, error) {
	raw, ok := t.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, value)
}

// ChangeSelector selects which changes a Changes call lists.
type ChangeSelector string

const (
	ChangesInProgress ChangeSelector = "in-progress"
	ChangesReady      ChangeSelector = "ready"
	ChangesAll        ChangeSelector = "all"
)

// ChangesOptions are the filters for Changes.
type ChangesOptions struct {
	Selector ChangeSelector
	// ServiceName restricts the listing to changes involving the service.
	ServiceName string
}

// Changes lists changes, most recent first.
func (c *Client) Changes(ctx context.Context, opts *ChangesOptions) ([]*Change, error) {
	query := url.Values{}
	if opts != nil {
		if opts.Selector != "" {
			query.Set("select", string(opts.Selector))
		}
		if opts.ServiceName != "" {
			query.Set("for", opts.ServiceName)
		}
	}
	var changes []*Change
	if err := c.doSync(ctx, "GET", "/v1/changes", query, nil, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

// Change fetches one change by id.
func (c *Client) Change(ctx context.Context, id ChangeID) (*Change, error) {
	var chg Change
	if err := c.doSync(ctx, "GET", "/v1/changes/"+string(id), nil, nil, &chg); err != nil {
		return nil, err
	}
	return &chg, nil
}

const (
	// waitRequestTimeout bounds one long-poll request on the client side;
	// the server-side timeout passed in the query is kept below it so the
	// request completes normally before any socket-level timeout fires.
	waitRequestTimeout = 30 * time.Second
	waitServerSlack    = 5 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

// WaitChangeOptions customize WaitChange.
type WaitChangeOptions struct {
	// PollInterval is the sleep between GETs once WaitChange has fallen
	// back to plain polling. Zero means the 100ms default.
	PollInterval time.Duration
}

// WaitChange blocks until the change with the given id is ready. It prefers
// the server's long-poll wait endpoint; if the server predates that endpoint
// (404), it falls back to polling the change at PollInterval for the rest of
// the call. The caller bounds the wait with ctx: a context without a deadline
// waits without limit, and an elapsed deadline yields a TimeoutError.
func (c *Client) WaitChange(ctx context.Context, id ChangeID, opts *WaitChangeOptions) (*Change, error) {
	pollInterval := defaultPollInterval
	if opts != nil && opts.PollInterval > 0 {
		pollInterval = opts.PollInterval
	}

	fallback := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, waitTimeout(id, err)
		}

		if !fallback {
			chg, err := c.waitChangeOnce(ctx, id)
			if err == nil {
				if chg.Ready {
					return chg, nil
				}
				continue // server replied early, keep waiting
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				switch apiErr.Code {
				case http.StatusNotFound:
					// Server does not support long-poll waits.
					c.log.Debugw("wait endpoint not supported, falling back to polling", "change", id)
					fallback = true
					continue
				case http.StatusGatewayTimeout:
					// Server-side long-poll timeout; go again.
					continue
				}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return nil, waitTimeout(id, err)
				}
				continue // per-request deadline only, not the caller's
			}
			return nil, err
		}

		chg, err := c.Change(ctx, id)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, waitTimeout(id, err)
			}
			return nil, err
		}
		if chg.Ready {
			return chg, nil
		}
		select {
		case <-ctx.Done():
			return nil, waitTimeout(id, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (c *Client) waitChangeOnce(ctx context.Context, id ChangeID) (*Change, error) {
	serverTimeout := waitRequestTimeout - waitServerSlack
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < serverTimeout {
			serverTimeout = remaining
		}
	}
	if serverTimeout <= 0 {
		return nil, waitTimeout(id, context.DeadlineExceeded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, waitRequestTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("timeout", formatDuration(serverTimeout))
	var chg Change
	if err := c.doSync(reqCtx, "GET", "/v1/changes/"+string(id)+"/wait", query, nil, &chg); err != nil {
		return nil, err
	}
	return &chg, nil
}

func waitTimeout(id ChangeID, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &TimeoutError{msg: "timed out waiting for change " + string(id)}
}
