package azure

import "strings"

// nameFromID returns the final segment of an ARM resource ID.
func nameFromID(id string) string {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// resourceGroupFromID extracts the resource group segment of an ARM ID.
func resourceGroupFromID(id string) string {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if strings.EqualFold(parts[i], "resourceGroups") {
			return parts[i+1]
		}
	}
	return ""
}
