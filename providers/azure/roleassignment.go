package azure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/tidemark-io/tidemark/internal/naming"
	"github.com/tidemark-io/tidemark/internal/provider"
)

// builtinRoles maps well-known role names onto their role definition
// GUIDs, so manifests can say "Key Vault Secrets User" instead of an ID.
var builtinRoles = map[string]string{
	"Owner":                         "8e3af657-a8ff-443c-a75c-2fe8c4bcb635",
	"Contributor":                   "b24988ac-6180-42a0-ab88-20f7382dd24c",
	"Reader":                        "acdd72a7-3385-48ef-bd42-f606fba81ae7",
	"Key Vault Secrets User":        "4633458b-17de-408a-b874-0445c86b69e6",
	"Key Vault Secrets Officer":     "b86a8fe4-44ce-4948-aee5-eccb2c155cd7",
	"Storage Blob Data Contributor": "ba92f5b4-2d11-453d-a403-e96b0029c9fe",
	"Storage Blob Data Reader":      "2a2b9908-6ea1-4ae2-8e65-a410df84e7d1",
	"AcrPull":                       "7f951dda-4ed3-4680-a7ca-43fe172d538d",
	"AcrPush":                       "8311e382-0749-4cb8-b61a-304f252e45ec",
	"Cosmos DB Account Reader Role": "fbdf93bf-df7d-467e-a4d2-9458aa1360c8",
	"Monitoring Reader":             "43d0d8ad-25c7-4714-9337-8ba259a9fe05",
}

// roleDefinitionID resolves a role reference to a fully qualified role
// definition ID: a builtin role name, a bare GUID, or an ARM ID.
func (p *Provider) roleDefinitionID(role string) (string, error) {
	if strings.HasPrefix(role, "/") {
		return role, nil
	}
	if guid, ok := builtinRoles[role]; ok {
		role = guid
	}
	if len(role) != 36 || strings.Count(role, "-") != 4 {
		return "", fmt.Errorf("unknown role %q: expected a builtin role name, a GUID, or a role definition ID", role)
	}
	return fmt.Sprintf("/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/%s", p.subscriptionID, role), nil
}

// GrantAccess creates a role assignment with a name derived from the
// grant identity, so repeating the same grant converges on the same
// assignment instead of piling up duplicates. An existing assignment
// is treated as success.
func (p *Provider) GrantAccess(ctx context.Context, deployment string, g provider.Grant) (*provider.Response, error) {
	defID, err := p.roleDefinitionID(g.Role)
	if err != nil {
		return nil, err
	}
	client, err := p.assignmentsClient()
	if err != nil {
		return nil, err
	}
	name := naming.GUID(deployment, g.Subject, g.Role, g.Scope)
	resp, err := client.Create(ctx, g.Scope, name, armauthorization.RoleAssignmentCreateParameters{
		Properties: &armauthorization.RoleAssignmentProperties{
			PrincipalID:      to.Ptr(g.Subject),
			RoleDefinitionID: to.Ptr(defID),
			PrincipalType:    to.Ptr(armauthorization.PrincipalTypeServicePrincipal),
		},
	}, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "RoleAssignmentExists" {
			return &provider.Response{
				ProviderID: name,
				Outputs: map[string]any{
					"assignmentName":   name,
					"roleDefinitionId": defID,
					"scope":            g.Scope,
				},
			}, nil
		}
		return nil, err
	}
	return &provider.Response{
		ProviderID: *resp.ID,
		Outputs: map[string]any{
			"id":               *resp.ID,
			"assignmentName":   name,
			"roleDefinitionId": defID,
			"scope":            g.Scope,
		},
	}, nil
}

// RevokeAccess deletes the assignment. A missing assignment is not an
// error: someone may have removed it out of band.
func (p *Provider) RevokeAccess(ctx context.Context, deployment string, g provider.Grant) error {
	client, err := p.assignmentsClient()
	if err != nil {
		return err
	}
	name := naming.GUID(deployment, g.Subject, g.Role, g.Scope)
	_, err = client.Delete(ctx, g.Scope, name, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
		return err
	}
	return nil
}
