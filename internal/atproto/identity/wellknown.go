package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// wellKnownResolver fetches did:web DID documents from the claimed
// host's /.well-known/did.json, per the did:web method spec.
type wellKnownResolver struct {
	httpClient *http.Client
}

func newWellKnownResolver(client *http.Client) *wellKnownResolver {
	return &wellKnownResolver{httpClient: client}
}

// document fetches https://<host>/.well-known/did.json for a
// did:web:<host> identifier.
func (w *wellKnownResolver) document(ctx context.Context, did string) (*didDocument, error) {
	host := strings.TrimPrefix(did, "did:web:")
	if host == "" {
		return nil, &ErrInvalidIdentifier{Identifier: did, Reason: "empty did:web host"}
	}
	url := fmt.Sprintf("https://%s/.well-known/did.json", host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build well-known request for %s: %w", did, err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch well-known document for %s: %w", did, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ErrNotFound{Identifier: did, Reason: "well-known document missing"}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ErrResolutionFailed{Identifier: did, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode well-known document for %s: %w", did, err)
	}
	return &doc, nil
}
