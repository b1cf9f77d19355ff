package discovery

import (
	"regexp"
	"strings"

	"github.com/skylight-sec/skylight/internal/models"
)

// Vendor extraction is a deterministic, idempotent string function applied
// at persistence time. Operators can override the result per automation;
// overrides survive later upserts.

var (
	vendorSuffixRe  = regexp.MustCompile(`(?i)\s*(for [A-Za-z ]+|OAuth|API|App)\s*$`)
	vendorTLDRe     = regexp.MustCompile(`(?i)\.(com|io|ai|net|org)$`)
	numericOnlyRe   = regexp.MustCompile(`^[0-9]+$`)
	genericPrefixes = []string{"oauth app:"}
)

// ExtractVendor derives a vendor name from a display name, or "" when no
// meaningful vendor can be derived.
func ExtractVendor(displayName string) string {
	name := strings.TrimSpace(displayName)
	lower := strings.ToLower(name)
	for _, prefix := range genericPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return ""
		}
	}

	// Suffixes can stack ("Attio App for Slack"); strip until stable.
	for {
		stripped := vendorSuffixRe.ReplaceAllString(name, "")
		if stripped == name {
			break
		}
		name = stripped
	}
	name = vendorTLDRe.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)

	if idx := strings.IndexAny(name, " \t"); idx >= 0 {
		name = name[:idx]
	}
	if len(name) < 3 || numericOnlyRe.MatchString(name) {
		return ""
	}
	return name
}

// VendorGroup builds the grouping key for a vendor on a platform.
func VendorGroup(vendorName string, platform models.Platform) string {
	if vendorName == "" {
		return ""
	}
	return strings.ToLower(vendorName) + "-" + string(platform)
}

// applyVendor fills the vendor fields on a normalized automation.
func applyVendor(a *models.DiscoveredAutomation) {
	vendor := ExtractVendor(a.Name)
	if vendor == "" {
		a.VendorName, a.VendorGroup = nil, nil
		return
	}
	group := VendorGroup(vendor, a.Platform)
	a.VendorName, a.VendorGroup = &vendor, &group
}
