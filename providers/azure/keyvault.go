package azure

import (
	"context"
	"fmt"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/keyvault/armkeyvault"
	"github.com/tidemark-io/tidemark/internal/provider"
)

type keyVaultConfig struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	ResourceGroup string `json:"resourceGroup"`
	TenantID      string `json:"tenantId"`
	PurgeOnDelete bool   `json:"purgeOnDelete"`
}

func (p *Provider) applyKeyVault(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg keyVaultConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, fmt.Errorf("key vault %q: resourceGroup and location are required", req.Node)
	}
	if cfg.TenantID == "" {
		cfg.TenantID = os.Getenv("AZURE_TENANT_ID")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("key vault %q: tenantId is required (or set AZURE_TENANT_ID)", req.Node)
	}
	name := physicalName(req, cfg.Name, "kv-", 24, true)

	client, err := p.vaultsClient()
	if err != nil {
		return nil, err
	}
	poller, err := client.BeginCreateOrUpdate(ctx, cfg.ResourceGroup, name, armkeyvault.VaultCreateOrUpdateParameters{
		Location: to.Ptr(cfg.Location),
		Properties: &armkeyvault.VaultProperties{
			TenantID: to.Ptr(cfg.TenantID),
			SKU: &armkeyvault.SKU{
				Family: to.Ptr(armkeyvault.SKUFamilyA),
				Name:   to.Ptr(armkeyvault.SKUNameStandard),
			},
			EnableRbacAuthorization: to.Ptr(true),
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
	if resp.Properties != nil && resp.Properties.VaultURI != nil {
		outputs["vaultUri"] = *resp.Properties.VaultURI
	}
	return &provider.Response{ProviderID: *resp.ID, Outputs: outputs}, nil
}

func (p *Provider) destroyKeyVault(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.vaultsClient()
	if err != nil {
		return err
	}
	_, err = client.Delete(ctx, resourceGroupFromID(req.ProviderID), nameFromID(req.ProviderID), nil)
	return err
}
