package client

import (
	"context"
	"net/url"
	"time"
)

// NoticeType is the type of a recorded notice.
type NoticeType string

const (
	// ChangeUpdateNotice records a change's status being updated.
	ChangeUpdateNotice NoticeType = "change-update"
	// CustomNotice records a client-reported event.
	CustomNotice NoticeType = "custom"
	// WarningNotice records a server warning.
	WarningNotice NoticeType = "warning"
)

// Notice is one recorded occurrence of a named event. Notices are
// server-owned; the client only reads them.
type Notice struct {
	ID            string            `json:"id"`
	UserID        *int              `json:"user-id,omitempty"`
	Type          NoticeType        `json:"type"`
	Key           string            `json:"key"`
	FirstOccurred time.Time         `json:"first-occurred"`
	LastOccurred  time.Time         `json:"last-occurred"`
	LastRepeated  time.Time         `json:"last-repeated"`
	Occurrences   int               `json:"occurrences"`
	LastData      map[string]string `json:"last-data,omitempty"`
	RepeatAfter   time.Duration     `json:"-"`
	ExpireAfter   time.Duration     `json:"-"`
}

type noticePayload struct {
	Notice
	RepeatAfter string `json:"repeat-after,omitempty"`
	ExpireAfter string `json:"expire-after,omitempty"`
}

func (p *noticePayload) notice() (*Notice, error) {
	n := p.Notice
	if p.RepeatAfter != "" {
		d, err := time.ParseDuration(p.RepeatAfter)
		if err != nil {
			return nil, protocolErrorf("invalid repeat-after %q: %v", p.RepeatAfter, err)
		}
		n.RepeatAfter = d
	}
	if p.ExpireAfter != "" {
		d, err := time.ParseDuration(p.ExpireAfter)
		if err != nil {
			return nil, protocolErrorf("invalid expire-after %q: %v", p.ExpireAfter, err)
		}
		n.ExpireAfter = d
	}
	return &n, nil
}

// NoticesOptions are the filters for Notices.
type NoticesOptions struct {
	// Types restricts the listing to the given notice types.
	Types []NoticeType
	// Keys restricts the listing to the given keys.
	Keys []string
	// After lists only notices repeated after the given time.
	After time.Time
}

// Notices lists notices matching the filters, oldest first.
func (c *Client) Notices(ctx context.Context, opts *NoticesOptions) ([]*Notice, error) {
	query := url.Values{}
	if opts != nil {
		for _, t := range opts.Types {
			query.Add("types", string(t))
		}
		multiValues(query, "keys", opts.Keys)
		if !opts.After.IsZero() {
			query.Set("after", opts.After.Format(time.RFC3339Nano))
		}
	}
	var payloads []*noticePayload
	if err := c.doSync(ctx, "GET", "/v1/notices", query, nil, &payloads); err != nil {
		return nil, err
	}
	notices := make([]*Notice, 0, len(payloads))
	for _, p := range payloads {
		n, err := p.notice()
		if err != nil {
			return nil, err
		}
		notices = append(notices, n)
	}
	return notices, nil
}

// Notice fetches one notice by id.
func (c *Client) Notice(ctx context.Context, id string) (*Notice, error) {
	var payload noticePayload
	if err := c.doSync(ctx, "GET", "/v1/notices/"+id, nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.notice()
}
