package jetstream

import "encoding/json"

// Event represents a single decoded frame from the Jetstream firehose.
// Jetstream documentation: https://docs.bsky.app/docs/advanced-guides/jetstream
type Event struct {
	Identity *IdentityEvent `json:"identity,omitempty"`
	Commit   *CommitEvent   `json:"commit,omitempty"`
	Did      string         `json:"did"`
	Kind     string         `json:"kind"`
	TimeUS   int64          `json:"time_us"`
}

// IdentityEvent carries a handle change for a DID.
type IdentityEvent struct {
	Did    string `json:"did"`
	Handle string `json:"handle"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

// CommitEvent represents a record commit from a user's repository.
type CommitEvent struct {
	Record     map[string]interface{} `json:"record,omitempty"`
	Operation  string                  `json:"operation"` // "create", "update", "delete"
	Collection string                  `json:"collection"`
	RKey       string                  `json:"rkey"`
	CID        string                  `json:"cid,omitempty"`
}

// Jetstream collection names this engine filters on.
const (
	CollectionProfile = "app.bsky.actor.profile"
	CollectionFollow  = "app.bsky.graph.follow"
)

// ProfileRecord is the subset of an app.bsky.actor.profile record this
// engine cares about.
type ProfileRecord struct {
	DisplayName string `json:"displayName"`
	Avatar      *struct {
		Ref struct {
			Link string `json:"$link"`
		} `json:"ref"`
	} `json:"avatar"`
}

// AvatarRef returns the avatar blob CID, or empty string if absent.
func (p *ProfileRecord) AvatarRef() string {
	if p == nil || p.Avatar == nil {
		return ""
	}
	return p.Avatar.Ref.Link
}

// FollowRecord is the subset of an app.bsky.graph.follow record this
// engine cares about.
type FollowRecord struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// parseRecord decodes a record map into a typed struct via the
// marshal-then-unmarshal idiom used throughout this codebase's
// Jetstream consumers for loosely-typed `record` payloads.
func parseRecord[T any](record map[string]interface{}) (*T, error) {
	var out T
	b, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
