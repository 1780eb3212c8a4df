package jwks

import "fmt"

const azureAuthority = "https://login.microsoftonline.com"

// AzureJWKSURI is the v2.0 key set location of an Azure AD tenant.
func AzureJWKSURI(tenantID string) string {
	return fmt.Sprintf("%s/%s/discovery/v2.0/keys", azureAuthority, tenantID)
}

// AzureIssuer is the v2.0 token issuer of an Azure AD tenant.
func AzureIssuer(tenantID string) string {
	return fmt.Sprintf("%s/%s/v2.0", azureAuthority, tenantID)
}
