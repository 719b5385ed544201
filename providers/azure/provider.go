// Package azure provisions resources through the Azure Resource Manager
// control plane. One client per service, created lazily and cached.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/tidemark-io/tidemark/internal/naming"
	"github.com/tidemark-io/tidemark/internal/provider"
)

const (
	KindResourceGroup   = "resource-group"
	KindManagedIdentity = "managed-identity"
	KindStorageAccount  = "storage-account"
	KindKeyVault        = "key-vault"
	KindCosmosAccount   = "cosmos-account"
	KindLogAnalytics    = "log-analytics"
	KindContainerEnv    = "container-env"
	KindContainerApp    = "container-app"
	KindRoleAssignment  = "role-assignment"
)

type Provider struct {
	subscriptionID string
	cred           azcore.TokenCredential

	clients clientSet
}

// New builds the provider from ambient credentials. The subscription
// comes from AZURE_SUBSCRIPTION_ID, matching what the Azure CLI exports.
func New() (provider.Interface, error) {
	sub := os.Getenv("AZURE_SUBSCRIPTION_ID")
	if sub == "" {
		return nil, fmt.Errorf("AZURE_SUBSCRIPTION_ID is not set")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire Azure credential: %w", err)
	}
	return &Provider{subscriptionID: sub, cred: cred}, nil
}

func (p *Provider) Kinds() []string {
	return []string{
		KindResourceGroup,
		KindManagedIdentity,
		KindStorageAccount,
		KindKeyVault,
		KindCosmosAccount,
		KindLogAnalytics,
		KindContainerEnv,
		KindContainerApp,
		KindRoleAssignment,
	}
}

func (p *Provider) CreateOrUpdate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	switch req.Kind {
	case KindResourceGroup:
		return p.applyResourceGroup(ctx, req)
	case KindManagedIdentity:
		return p.applyManagedIdentity(ctx, req)
	case KindStorageAccount:
		return p.applyStorageAccount(ctx, req)
	case KindKeyVault:
		return p.applyKeyVault(ctx, req)
	case KindCosmosAccount:
		return p.applyCosmosAccount(ctx, req)
	case KindLogAnalytics:
		return p.applyLogAnalytics(ctx, req)
	case KindContainerEnv:
		return p.applyContainerEnv(ctx, req)
	case KindContainerApp:
		return p.applyContainerApp(ctx, req)
	}
	return nil, fmt.Errorf("unknown resource kind: %s", req.Kind)
}

func (p *Provider) Destroy(ctx context.Context, req *provider.DestroyRequest) error {
	switch req.Kind {
	case KindResourceGroup:
		return p.destroyResourceGroup(ctx, req)
	case KindManagedIdentity:
		return p.destroyManagedIdentity(ctx, req)
	case KindStorageAccount:
		return p.destroyStorageAccount(ctx, req)
	case KindKeyVault:
		return p.destroyKeyVault(ctx, req)
	case KindCosmosAccount:
		return p.destroyCosmosAccount(ctx, req)
	case KindLogAnalytics:
		return p.destroyLogAnalytics(ctx, req)
	case KindContainerEnv:
		return p.destroyContainerEnv(ctx, req)
	case KindContainerApp:
		return p.destroyContainerApp(ctx, req)
	}
	return fmt.Errorf("unknown resource kind: %s", req.Kind)
}

// decode maps a node's resolved inputs onto a typed config struct.
func decode(inputs map[string]any, v any) error {
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid inputs: %w", err)
	}
	return nil
}

// physicalName returns the explicit name input, or derives a stable one
// from the deployment and node identity. Some Azure names forbid dashes
// and cap length, hence the knobs.
func physicalName(req *provider.Request, explicit, prefix string, maxLen int, allowDashes bool) string {
	name := explicit
	if name == "" {
		name = prefix + naming.Token(req.Deployment, req.Kind, req.Node)
	}
	if !allowDashes {
		name = strings.ReplaceAll(name, "-", "")
	}
	if maxLen > 0 && len(name) > maxLen {
		name = name[:maxLen]
	}
	return name
}
