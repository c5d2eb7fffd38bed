package signing

import (
	"errors"
	"time"

	"github.com/digitorus/signserver/tsa"
)

// TSAConfig overrides the configured time-stamp authority for one request.
type TSAConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (c *TSAConfig) client(timeout time.Duration) *tsa.Client {
	if c == nil || c.URL == "" {
		return nil
	}
	client := tsa.New(c.URL)
	client.Username = c.Username
	client.Password = c.Password
	client.Timeout = timeout
	return client
}

// SigningRequest is the persisted state of a presigned document awaiting
// its external signature.
type SigningRequest struct {
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`

	// FlowID binds the request to a flow run. Only that run finalizes or
	// discards it and the janitor leaves it to the run.
	FlowID string `json:"flow_id,omitempty"`

	// DocumentRef is the storage key of the document with the placeholder.
	DocumentRef string   `json:"document_ref"`
	ByteRange   [4]int64 `json:"byte_range"`
	FieldName   string   `json:"field_name"`

	// HashToSign is the hex SHA-256 of the authenticated attributes.
	HashToSign string `json:"hash_to_sign"`
	// ContentDigest is the hex SHA-256 of the bytes covered by ByteRange.
	ContentDigest string `json:"content_digest"`
	// Attributes are the DER encoded authenticated attributes.
	Attributes []byte `json:"attributes"`
	ChainPEM   []byte `json:"chain_pem"`

	// Timestamped requests get a signature timestamp at finalization,
	// from TSA when set or from the service default otherwise.
	Timestamped       bool       `json:"timestamped"`
	TSA               *TSAConfig `json:"tsa,omitempty"`
	TimestampOptional bool       `json:"timestamp_optional,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *SigningRequest) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

var (
	ErrFlowRequest    = errors.New("signing request belongs to a flow, complete the flow instead")
	ErrNotFlowRequest = errors.New("signing request does not belong to this flow")
)

func (r *SigningRequest) checkFlow(flowID string) error {
	switch {
	case r.FlowID == flowID:
		return nil
	case flowID == "":
		return ErrFlowRequest
	}
	return ErrNotFlowRequest
}

func documentKey(id string) string {
	return "documents/" + id + ".pdf"
}
