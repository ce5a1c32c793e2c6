package upstream

import (
	"fmt"

	"onemcp/internal/catalog"
	"onemcp/pkg/mcperr"
)

// AuthRequiredError signals that a remote transport answered 401 and the
// connection needs an OAuth flow before it can be established. The record
// moves to StatusAwaitingOAuth instead of StatusError.
type AuthRequiredError struct {
	URL   string
	Cause error
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for %s", e.URL)
}

func (e *AuthRequiredError) Unwrap() error {
	return e.Cause
}

// NewClientFromEntry builds the outbound client matching the catalog
// entry's transport kind. The client is not connected until Initialize.
func NewClientFromEntry(entry catalog.Entry) (Client, error) {
	switch entry.Kind() {
	case catalog.KindStdio:
		if entry.Command == "" {
			return nil, mcperr.NewTransportError(entry.Name, fmt.Errorf("command is required for stdio type"))
		}
		return NewStdioClient(entry.Command, entry.Args, entry.Env, entry.Cwd), nil

	case catalog.KindHTTP:
		if entry.URL == "" {
			return nil, mcperr.NewTransportError(entry.Name, fmt.Errorf("url is required for http type"))
		}
		return NewStreamableHTTPClient(entry.URL, entry.Headers), nil

	case catalog.KindSSE:
		if entry.URL == "" {
			return nil, mcperr.NewTransportError(entry.Name, fmt.Errorf("url is required for sse type"))
		}
		return NewSSEClient(entry.URL, entry.Headers), nil

	default:
		return nil, mcperr.NewTransportError(entry.Name, fmt.Errorf("unsupported server type: %s", entry.Type))
	}
}
