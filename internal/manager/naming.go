package manager

import "strings"

// toolSeparator splits the service prefix from the original tool name in a
// public tool identity.
const toolSeparator = "_xzcli_"

// PublicToolName derives the upstream-visible name of a downstream tool.
// Hyphens in the service name are normalised to underscores so the public
// identity stays a single flat token.
func PublicToolName(service, tool string) string {
	return normalizeServiceName(service) + toolSeparator + tool
}

func normalizeServiceName(service string) string {
	return strings.ReplaceAll(service, "-", "_")
}

// splitPublicName reverses PublicToolName against a candidate service. It
// returns the original tool name and whether public carries this service's
// prefix.
func splitPublicName(service, public string) (string, bool) {
	prefix := normalizeServiceName(service) + toolSeparator
	if !strings.HasPrefix(public, prefix) {
		return "", false
	}
	tool := strings.TrimPrefix(public, prefix)
	if tool == "" {
		return "", false
	}
	return tool, true
}
