package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// didDocument is the subset of a DID document this resolver reads.
type didDocument struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

// auditLogEntry is one entry of a did:plc audit log, newest first.
type auditLogEntry struct {
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

// plcDirectory fetches DID documents and audit logs from a did:plc
// directory over HTTPS, matching the shape documented at
// https://web.plc.directory.
type plcDirectory struct {
	baseURL    string
	httpClient *http.Client
}

func newPLCDirectory(baseURL string, client *http.Client) *plcDirectory {
	return &plcDirectory{baseURL: strings.TrimRight(baseURL, "/"), httpClient: client}
}

// document fetches GET <baseURL>/<did> and returns its alsoKnownAs list.
func (p *plcDirectory) document(ctx context.Context, did string) (*didDocument, error) {
	var doc didDocument
	if err := p.getJSON(ctx, fmt.Sprintf("%s/%s", p.baseURL, did), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// auditLog fetches GET <baseURL>/<did>/log, ordered newest first.
func (p *plcDirectory) auditLog(ctx context.Context, did string) ([]auditLogEntry, error) {
	var log []auditLogEntry
	if err := p.getJSON(ctx, fmt.Sprintf("%s/%s/log", p.baseURL, did), &log); err != nil {
		return nil, err
	}
	return log, nil
}

func (p *plcDirectory) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", url, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &ErrNotFound{Identifier: url, Reason: "404 from directory"}
	}
	if resp.StatusCode != http.StatusOK {
		return &ErrResolutionFailed{Identifier: url, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", url, err)
	}
	return nil
}

// handleFromAliases returns the suffix of the first alsoKnownAs entry
// that begins with "at://", or "" if none does.
func handleFromAliases(aliases []string) string {
	for _, a := range aliases {
		if strings.HasPrefix(a, "at://") {
			return strings.TrimPrefix(a, "at://")
		}
	}
	return ""
}
