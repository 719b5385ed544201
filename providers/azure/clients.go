package azure

import (
	"fmt"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/appcontainers/armappcontainers/v3"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/cosmos/armcosmos/v3"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/keyvault/armkeyvault"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/operationalinsights/armoperationalinsights"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
)

// clientSet caches one ARM client per service. Clients are cheap but
// not free, and a deployment typically touches each service many times.
type clientSet struct {
	mu sync.Mutex

	groups       *armresources.ResourceGroupsClient
	identities   *armmsi.UserAssignedIdentitiesClient
	storage      *armstorage.AccountsClient
	vaults       *armkeyvault.VaultsClient
	cosmos       *armcosmos.DatabaseAccountsClient
	workspaces   *armoperationalinsights.WorkspacesClient
	environments *armappcontainers.ManagedEnvironmentsClient
	apps         *armappcontainers.ContainerAppsClient
	assignments  *armauthorization.RoleAssignmentsClient
}

func (p *Provider) groupsClient() (*armresources.ResourceGroupsClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.groups == nil {
		c, err := armresources.NewResourceGroupsClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource group client: %w", err)
		}
		p.clients.groups = c
	}
	return p.clients.groups, nil
}

func (p *Provider) identitiesClient() (*armmsi.UserAssignedIdentitiesClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.identities == nil {
		c, err := armmsi.NewUserAssignedIdentitiesClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create identity client: %w", err)
		}
		p.clients.identities = c
	}
	return p.clients.identities, nil
}

func (p *Provider) storageClient() (*armstorage.AccountsClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.storage == nil {
		c, err := armstorage.NewAccountsClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		p.clients.storage = c
	}
	return p.clients.storage, nil
}

func (p *Provider) vaultsClient() (*armkeyvault.VaultsClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.vaults == nil {
		c, err := armkeyvault.NewVaultsClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create key vault client: %w", err)
		}
		p.clients.vaults = c
	}
	return p.clients.vaults, nil
}

func (p *Provider) cosmosClient() (*armcosmos.DatabaseAccountsClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.cosmos == nil {
		c, err := armcosmos.NewDatabaseAccountsClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cosmos client: %w", err)
		}
		p.clients.cosmos = c
	}
	return p.clients.cosmos, nil
}

func (p *Provider) workspacesClient() (*armoperationalinsights.WorkspacesClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.workspaces == nil {
		c, err := armoperationalinsights.NewWorkspacesClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace client: %w", err)
		}
		p.clients.workspaces = c
	}
	return p.clients.workspaces, nil
}

func (p *Provider) environmentsClient() (*armappcontainers.ManagedEnvironmentsClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.environments == nil {
		c, err := armappcontainers.NewManagedEnvironmentsClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create environment client: %w", err)
		}
		p.clients.environments = c
	}
	return p.clients.environments, nil
}

func (p *Provider) appsClient() (*armappcontainers.ContainerAppsClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.apps == nil {
		c, err := armappcontainers.NewContainerAppsClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create container app client: %w", err)
		}
		p.clients.apps = c
	}
	return p.clients.apps, nil
}

func (p *Provider) assignmentsClient() (*armauthorization.RoleAssignmentsClient, error) {
	p.clients.mu.Lock()
	defer p.clients.mu.Unlock()
	if p.clients.assignments == nil {
		c, err := armauthorization.NewRoleAssignmentsClient(p.subscriptionID, p.cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create role assignment client: %w", err)
		}
		p.clients.assignments = c
	}
	return p.clients.assignments, nil
}
