// Package permissions provides utilities for checking a caller's permission
// list against a required permission with support for wildcards.
//
// Permission Format:
//   - "*" - Full access (all permissions)
//   - "resource.*" - All actions on a resource (e.g., "pharmacy.*")
//   - "resource.action" - Specific action (e.g., "pharmacy.read")
//   - "resource.subresource.action" - Nested permission (e.g., "pharmacy.stock.adjust")
package permissions

import (
	"strings"
)

// Pharmacy permissions
const (
	PharmacyRead         = "pharmacy.read"
	PharmacyBatchesWrite = "pharmacy.batches.write"
	PharmacyDispense     = "pharmacy.dispense"
	PharmacyStockAdjust  = "pharmacy.stock.adjust"
)

// HasPermission checks if the user's permissions include the required permission.
// Supports wildcard matching:
//   - "*" matches everything
//   - "pharmacy.*" matches "pharmacy.read", "pharmacy.stock.adjust", etc.
//   - Exact match for specific permissions
func HasPermission(userPerms []string, required string) bool {
	if required == "" {
		return true // No permission required
	}

	for _, p := range userPerms {
		if p == "*" {
			return true // Full admin access
		}
		if p == required {
			return true // Exact match
		}
		if strings.HasSuffix(p, ".*") {
			prefix := strings.TrimSuffix(p, ".*")
			if strings.HasPrefix(required, prefix+".") {
				return true
			}
		}
	}
	return false
}

// HasAnyPermission checks if the user has any of the required permissions.
func HasAnyPermission(userPerms []string, required []string) bool {
	for _, req := range required {
		if HasPermission(userPerms, req) {
			return true
		}
	}
	return false
}

// Normalize trims, de-duplicates and drops malformed entries. A valid
// permission is "*" or has at least two dot separated parts.
func Normalize(perms []string) []string {
	seen := make(map[string]bool, len(perms))
	var result []string
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		if p != "*" && len(strings.Split(p, ".")) < 2 {
			continue
		}
		seen[p] = true
		result = append(result, p)
	}
	return result
}
