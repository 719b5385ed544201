package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/tidemark-io/tidemark/internal/provider"
)

type storageAccountConfig struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	ResourceGroup string `json:"resourceGroup"`
	SKU           string `json:"sku"`
	AllowPublic   bool   `json:"allowPublicAccess"`
}

func (p *Provider) applyStorageAccount(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg storageAccountConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, fmt.Errorf("storage account %q: resourceGroup and location are required", req.Node)
	}
	if cfg.SKU == "" {
		cfg.SKU = "Standard_LRS"
	}
	// Storage account names are global, lowercase alphanumeric, max 24.
	name := physicalName(req, cfg.Name, "st", 24, false)

	client, err := p.storageClient()
	if err != nil {
		return nil, err
	}
	poller, err := client.BeginCreate(ctx, cfg.ResourceGroup, name, armstorage.AccountCreateParameters{
		Location: to.Ptr(cfg.Location),
		Kind:     to.Ptr(armstorage.KindStorageV2),
		SKU: &armstorage.SKU{
			Name: to.Ptr(armstorage.SKUName(cfg.SKU)),
		},
		Properties: &armstorage.AccountPropertiesCreateParameters{
			AllowBlobPublicAccess:  to.Ptr(cfg.AllowPublic),
			MinimumTLSVersion:      to.Ptr(armstorage.MinimumTLSVersionTLS12),
			EnableHTTPSTrafficOnly: to.Ptr(true),
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
	if resp.Properties != nil && resp.Properties.PrimaryEndpoints != nil && resp.Properties.PrimaryEndpoints.Blob != nil {
		outputs["blobEndpoint"] = *resp.Properties.PrimaryEndpoints.Blob
	}
	return &provider.Response{ProviderID: *resp.ID, Outputs: outputs}, nil
}

func (p *Provider) destroyStorageAccount(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.storageClient()
	if err != nil {
		return err
	}
	_, err = client.Delete(ctx, resourceGroupFromID(req.ProviderID), nameFromID(req.ProviderID), nil)
	return err
}
