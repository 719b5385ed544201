package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/cosmos/armcosmos/v3"
	"github.com/tidemark-io/tidemark/internal/provider"
)

type cosmosAccountConfig struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	ResourceGroup string `json:"resourceGroup"`
	Serverless    bool   `json:"serverless"`
	FreeTier      bool   `json:"freeTier"`
}

func (p *Provider) applyCosmosAccount(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg cosmosAccountConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, fmt.Errorf("cosmos account %q: resourceGroup and location are required", req.Node)
	}
	// Cosmos account names are global DNS labels, max 44 chars.
	name := physicalName(req, cfg.Name, "cos-", 44, true)

	props := &armcosmos.DatabaseAccountCreateUpdateProperties{
		DatabaseAccountOfferType: to.Ptr("Standard"),
		Locations: []*armcosmos.Location{{
			LocationName:     to.Ptr(cfg.Location),
			FailoverPriority: to.Ptr[int32](0),
		}},
		EnableFreeTier: to.Ptr(cfg.FreeTier),
	}
	if cfg.Serverless {
		props.Capabilities = []*armcosmos.Capability{{Name: to.Ptr("EnableServerless")}}
	}

	client, err := p.cosmosClient()
	if err != nil {
		return nil, err
	}
	poller, err := client.BeginCreateOrUpdate(ctx, cfg.ResourceGroup, name, armcosmos.DatabaseAccountCreateUpdateParameters{
		Location:   to.Ptr(cfg.Location),
		Kind:       to.Ptr(armcosmos.DatabaseAccountKindGlobalDocumentDB),
		Properties: props,
	}, nil)
	if err != nil {
		return nil, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return nil, err
	}
	outputs := map[string]any{
		"id":   *resp.ID,
		"name": name,
	}
	if resp.Properties != nil && resp.Properties.DocumentEndpoint != nil {
		outputs["endpoint"] = *resp.Properties.DocumentEndpoint
	}
	return &provider.Response{ProviderID: *resp.ID, Outputs: outputs}, nil
}

func (p *Provider) destroyCosmosAccount(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.cosmosClient()
	if err != nil {
		return err
	}
	poller, err := client.BeginDelete(ctx, resourceGroupFromID(req.ProviderID), nameFromID(req.ProviderID), nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}
