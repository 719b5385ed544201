// Package null implements a provider that provisions nothing. Nodes of
// kind "null-resource" echo their inputs back as outputs, which makes
// them useful as graph glue and in tests: they reconverge whenever a
// referenced value changes, without touching any real control plane.
package null

import (
	"context"
	"fmt"

	"github.com/tidemark-io/tidemark/internal/naming"
	"github.com/tidemark-io/tidemark/internal/provider"
)

const KindNullResource = "null-resource"

type Provider struct{}

func New() (provider.Interface, error) {
	return &Provider{}, nil
}

func (p *Provider) Kinds() []string {
	return []string{KindNullResource}
}

func (p *Provider) CreateOrUpdate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := req.PriorID
	if id == "" {
		id = fmt.Sprintf("null-%s", naming.Token(req.Deployment, req.Node))
	}
	outputs := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		outputs[k] = v
	}
	outputs["id"] = id
	return &provider.Response{ProviderID: id, Outputs: outputs}, nil
}

func (p *Provider) Destroy(ctx context.Context, req *provider.DestroyRequest) error {
	return ctx.Err()
}
