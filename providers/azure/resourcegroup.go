package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/tidemark-io/tidemark/internal/provider"
)

type resourceGroupConfig struct {
	Name     string            `json:"name"`
	Location string            `json:"location"`
	Tags     map[string]string `json:"tags"`
}

func (p *Provider) applyResourceGroup(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg resourceGroupConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.Location == "" {
		return nil, fmt.Errorf("resource group %q: location is required", req.Node)
	}
	name := physicalName(req, cfg.Name, "rg-", 90, true)

	client, err := p.groupsClient()
	if err != nil {
		return nil, err
	}
	tags := make(map[string]*string, len(cfg.Tags))
	for k, v := range cfg.Tags {
		tags[k] = to.Ptr(v)
	}
	resp, err := client.CreateOrUpdate(ctx, name, armresources.ResourceGroup{
		Location: to.Ptr(cfg.Location),
		Tags:     tags,
	}, nil)
	if err != nil {
		return nil, err
	}
	return &provider.Response{
		ProviderID: *resp.ID,
		Outputs: map[string]any{
			"id":       *resp.ID,
			"name":     *resp.Name,
			"location": *resp.Location,
		},
	}, nil
}

func (p *Provider) destroyResourceGroup(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.groupsClient()
	if err != nil {
		return err
	}
	name := nameFromID(req.ProviderID)
	poller, err := client.BeginDelete(ctx, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}
