package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"
	"github.com/tidemark-io/tidemark/internal/provider"
)

type identityConfig struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	ResourceGroup string `json:"resourceGroup"`
}

func (p *Provider) applyManagedIdentity(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg identityConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, fmt.Errorf("managed identity %q: resourceGroup and location are required", req.Node)
	}
	name := physicalName(req, cfg.Name, "id-", 128, true)

	client, err := p.identitiesClient()
	if err != nil {
		return nil, err
	}
	resp, err := client.CreateOrUpdate(ctx, cfg.ResourceGroup, name, armmsi.Identity{
		Location: to.Ptr(cfg.Location),
	}, nil)
	if err != nil {
		return nil, err
	}
	return &provider.Response{
		ProviderID: *resp.ID,
		Outputs: map[string]any{
			"id":          *resp.ID,
			"name":        name,
			"principalId": *resp.Properties.PrincipalID,
			"clientId":    *resp.Properties.ClientID,
		},
	}, nil
}

func (p *Provider) destroyManagedIdentity(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.identitiesClient()
	if err != nil {
		return err
	}
	_, err = client.Delete(ctx, resourceGroupFromID(req.ProviderID), nameFromID(req.ProviderID), nil)
	return err
}
