package client

import (
	"context"
	"net/url"
)

// AddLayerOptions are the arguments to AddLayer.
type AddLayerOptions struct {
	// Combine merges the layer into an existing layer with the same
	// label, instead of appending a new one.
	Combine bool
	// Label identifies the layer.
	Label string
	// LayerData is the layer in YAML form, as produced by plan.Layer.
	LayerData []byte
}

type addLayerPayload struct {
	Action  string `json:"action"`
	Combine bool   `json:"combine,omitempty"`
	Label   string `json:"label"`
	Format  string `json:"format"`
	Layer   string `json:"layer"`
}

// AddLayer appends a configuration layer to the supervisor's plan, or merges
// it into an existing one when opts.Combine is set.
func (c *Client) AddLayer(ctx context.Context, opts *AddLayerOptions) error {
	return c.doSync(ctx, "POST", "/v1/layers", nil, &addLayerPayload{
		Action:  "add",
		Combine: opts.Combine,
		Label:   opts.Label,
		Format:  "yaml",
		Layer:   string(opts.LayerData),
	}, nil)
}

// PlanBytes fetches the server's combined plan in YAML form. Parse it with
// plan.ParsePlan.
func (c *Client) PlanBytes(ctx context.Context) ([]byte, error) {
	query := url.Values{}
	query.Set("format", "yaml")
	var data string
	if err := c.doSync(ctx, "GET", "/v1/plan", query, nil, &data); err != nil {
		return nil, err
	}
	return []byte(data), nil
}
