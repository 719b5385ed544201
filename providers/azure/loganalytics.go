package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/operationalinsights/armoperationalinsights"
	"github.com/tidemark-io/tidemark/internal/provider"
)

type logAnalyticsConfig struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	ResourceGroup string `json:"resourceGroup"`
	RetentionDays int32  `json:"retentionDays"`
}

func (p *Provider) applyLogAnalytics(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg logAnalyticsConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, fmt.Errorf("log analytics workspace %q: resourceGroup and location are required", req.Node)
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 30
	}
	name := physicalName(req, cfg.Name, "log-", 63, true)

	client, err := p.workspacesClient()
	if err != nil {
		return nil, err
	}
	poller, err := client.BeginCreateOrUpdate(ctx, cfg.ResourceGroup, name, armoperationalinsights.Workspace{
		Location: to.Ptr(cfg.Location),
		Properties: &armoperationalinsights.WorkspaceProperties{
			RetentionInDays: to.Ptr(cfg.RetentionDays),
			SKU: &armoperationalinsights.WorkspaceSKU{
				Name: to.Ptr(armoperationalinsights.WorkspaceSKUNameEnumPerGB2018),
			},
		},
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
	if resp.Properties != nil && resp.Properties.CustomerID != nil {
		outputs["customerId"] = *resp.Properties.CustomerID
	}
	return &provider.Response{ProviderID: *resp.ID, Outputs: outputs}, nil
}

func (p *Provider) destroyLogAnalytics(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.workspacesClient()
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
