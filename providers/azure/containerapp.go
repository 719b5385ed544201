package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appcontainers/armappcontainers/v3"
	"github.com/tidemark-io/tidemark/internal/provider"
)

type containerEnvConfig struct {
	Name          string `json:"name"`
	Location      string `json:"location"`
	ResourceGroup string `json:"resourceGroup"`
	LogCustomerID string `json:"logCustomerId"`
	LogSharedKey  string `json:"logSharedKey"`
	ZoneRedundant bool   `json:"zoneRedundant"`
}

func (p *Provider) applyContainerEnv(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg containerEnvConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResourceGroup == "" || cfg.Location == "" {
		return nil, fmt.Errorf("container environment %q: resourceGroup and location are required", req.Node)
	}
	name := physicalName(req, cfg.Name, "cae-", 32, true)

	env := armappcontainers.ManagedEnvironment{
		Location: to.Ptr(cfg.Location),
		Properties: &armappcontainers.ManagedEnvironmentProperties{
			ZoneRedundant: to.Ptr(cfg.ZoneRedundant),
		},
	}
	if cfg.LogCustomerID != "" {
		env.Properties.AppLogsConfiguration = &armappcontainers.AppLogsConfiguration{
			Destination: to.Ptr("log-analytics"),
			LogAnalyticsConfiguration: &armappcontainers.LogAnalyticsConfiguration{
				CustomerID: to.Ptr(cfg.LogCustomerID),
				SharedKey:  to.Ptr(cfg.LogSharedKey),
			},
		}
	}

	client, err := p.environmentsClient()
	if err != nil {
		return nil, err
	}
	poller, err := client.BeginCreateOrUpdate(ctx, cfg.ResourceGroup, name, env, nil)
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
	if resp.Properties != nil && resp.Properties.DefaultDomain != nil {
		outputs["defaultDomain"] = *resp.Properties.DefaultDomain
	}
	return &provider.Response{ProviderID: *resp.ID, Outputs: outputs}, nil
}

func (p *Provider) destroyContainerEnv(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.environmentsClient()
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

type containerAppConfig struct {
	Name          string            `json:"name"`
	Location      string            `json:"location"`
	ResourceGroup string            `json:"resourceGroup"`
	EnvironmentID string            `json:"environmentId"`
	Image         string            `json:"image"`
	IdentityID    string            `json:"identityId"`
	TargetPort    int32             `json:"targetPort"`
	External      bool              `json:"external"`
	MinReplicas   int32             `json:"minReplicas"`
	MaxReplicas   int32             `json:"maxReplicas"`
	Env           map[string]string `json:"env"`
	CPU           float64           `json:"cpu"`
	MemoryGi      float64           `json:"memoryGi"`
}

func (p *Provider) applyContainerApp(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	var cfg containerAppConfig
	if err := decode(req.Inputs, &cfg); err != nil {
		return nil, err
	}
	if cfg.ResourceGroup == "" || cfg.Location == "" || cfg.EnvironmentID == "" || cfg.Image == "" {
		return nil, fmt.Errorf("container app %q: resourceGroup, location, environmentId and image are required", req.Node)
	}
	if cfg.MaxReplicas == 0 {
		cfg.MaxReplicas = 1
	}
	if cfg.CPU == 0 {
		cfg.CPU = 0.5
	}
	if cfg.MemoryGi == 0 {
		cfg.MemoryGi = 1
	}
	name := physicalName(req, cfg.Name, "ca-", 32, true)

	envVars := make([]*armappcontainers.EnvironmentVar, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		envVars = append(envVars, &armappcontainers.EnvironmentVar{
			Name:  to.Ptr(k),
			Value: to.Ptr(v),
		})
	}

	app := armappcontainers.ContainerApp{
		Location: to.Ptr(cfg.Location),
		Properties: &armappcontainers.ContainerAppProperties{
			ManagedEnvironmentID: to.Ptr(cfg.EnvironmentID),
			Configuration:        &armappcontainers.Configuration{},
			Template: &armappcontainers.Template{
				Containers: []*armappcontainers.Container{{
					Name:  to.Ptr(name),
					Image: to.Ptr(cfg.Image),
					Env:   envVars,
					Resources: &armappcontainers.ContainerResources{
						CPU:    to.Ptr(cfg.CPU),
						Memory: to.Ptr(fmt.Sprintf("%gGi", cfg.MemoryGi)),
					},
				}},
				Scale: &armappcontainers.Scale{
					MinReplicas: to.Ptr(cfg.MinReplicas),
					MaxReplicas: to.Ptr(cfg.MaxReplicas),
				},
			},
		},
	}
	if cfg.TargetPort != 0 {
		app.Properties.Configuration.Ingress = &armappcontainers.Ingress{
			TargetPort: to.Ptr(cfg.TargetPort),
			External:   to.Ptr(cfg.External),
		}
	}
	if cfg.IdentityID != "" {
		app.Identity = &armappcontainers.ManagedServiceIdentity{
			Type: to.Ptr(armappcontainers.ManagedServiceIdentityTypeUserAssigned),
			UserAssignedIdentities: map[string]*armappcontainers.UserAssignedIdentity{
				cfg.IdentityID: {},
			},
		}
	}

	client, err := p.appsClient()
	if err != nil {
		return nil, err
	}
	poller, err := client.BeginCreateOrUpdate(ctx, cfg.ResourceGroup, name, app, nil)
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
	if resp.Properties != nil && resp.Properties.Configuration != nil &&
		resp.Properties.Configuration.Ingress != nil && resp.Properties.Configuration.Ingress.Fqdn != nil {
		outputs["fqdn"] = *resp.Properties.Configuration.Ingress.Fqdn
	}
	return &provider.Response{ProviderID: *resp.ID, Outputs: outputs}, nil
}

func (p *Provider) destroyContainerApp(ctx context.Context, req *provider.DestroyRequest) error {
	client, err := p.appsClient()
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
