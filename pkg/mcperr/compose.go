package mcperr

import (
	"fmt"
	"strings"
)

// IDSeparator joins an outbound server name with the inner id of one of its
// tools, resources or prompts. It is reserved: neither side may contain it.
const IDSeparator = "_1mcp_"

// JoinID builds the composite id exposed to inbound clients for an item
// owned by the named server.
func JoinID(server, inner string) string {
	return server + IDSeparator + inner
}

// SplitID parses a composite id back into (server, inner). The separator
// must occur exactly once; anything else is an InvalidRequestError.
func SplitID(id string) (server, inner string, err error) {
	if strings.Count(id, IDSeparator) != 1 {
		return "", "", NewInvalidRequestError(
			fmt.Sprintf("id %q must contain the separator %q exactly once", id, IDSeparator))
	}
	parts := strings.SplitN(id, IDSeparator, 2)
	server, inner = parts[0], parts[1]
	if !ValidServerName(server) {
		return "", "", NewInvalidRequestError(fmt.Sprintf("id names invalid server %q", server))
	}
	return server, inner, nil
}
