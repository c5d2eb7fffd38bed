package verify

import (
	"crypto/x509"
	"errors"
	"time"

	"github.com/digitorus/timestamp"
)

var (
	ErrNoSignatures = errors.New("no digital signature in document")
)

// Options controls signature verification.
type Options struct {
	// Roots are the trusted root certificates. When nil the certificates
	// embedded in the signature are used, which only proves the embedded
	// chain is consistent.
	Roots *x509.CertPool

	// RequireDigitalSignatureKU requires the Digital Signature bit in Key Usage.
	RequireDigitalSignatureKU bool

	// RequireNonRepudiation requires the Non-Repudiation bit in Key Usage.
	RequireNonRepudiation bool

	// CurrentTime is used to validate certificates when the signature has
	// neither a timestamp nor a signing time. Zero means now.
	CurrentTime time.Time
}

// DefaultOptions returns the options used by Document.
func DefaultOptions() *Options {
	return &Options{
		RequireDigitalSignatureKU: true,
	}
}

// Signature is the verification result for a single signature field.
type Signature struct {
	FieldName   string `json:"field_name"`
	Name        string `json:"name,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Location    string `json:"location,omitempty"`
	ContactInfo string `json:"contact_info,omitempty"`
	SubFilter   string `json:"sub_filter"`

	ByteRange []int64 `json:"byte_range"`
	// CoversWholeDocument is true when the byte range covers the complete
	// file apart from the /Contents hex string.
	CoversWholeDocument bool `json:"covers_whole_document"`
	// ContentDigest is the hex SHA-256 digest of the covered bytes.
	ContentDigest string `json:"content_digest"`

	SigningTime   *time.Time           `json:"signing_time,omitempty"`
	TimeStamp     *timestamp.Timestamp `json:"-"`
	TimestampTime *time.Time           `json:"timestamp_time,omitempty"`

	Signer       *x509.Certificate `json:"-"`
	SignerName   string            `json:"signer_name,omitempty"`
	Certificates []Certificate     `json:"certificates"`

	ValidSignature bool   `json:"valid_signature"`
	TrustedIssuer  bool   `json:"trusted_issuer"`
	KeyUsageValid  bool   `json:"key_usage_valid"`
	KeyUsageError  string `json:"key_usage_error,omitempty"`

	ValidationErrors []error  `json:"-"`
	Errors           []string `json:"errors,omitempty"`
}

// Valid reports whether the signature verified without validation errors.
func (s *Signature) Valid() bool {
	return s.ValidSignature && len(s.ValidationErrors) == 0
}

func (s *Signature) addError(err error) {
	s.ValidationErrors = append(s.ValidationErrors, err)
	s.Errors = append(s.Errors, err.Error())
}

// Certificate is an embedded certificate with its chain validation result.
type Certificate struct {
	Certificate *x509.Certificate `json:"-"`
	Subject     string            `json:"subject"`
	Issuer      string            `json:"issuer"`
	NotBefore   time.Time         `json:"not_before"`
	NotAfter    time.Time         `json:"not_after"`
	VerifyError string            `json:"verify_error,omitempty"`
	// Revocation is the status found in the revocation data embedded by
	// the signer: good, revoked or unknown.
	Revocation string `json:"revocation"`
}

// ValidationError represents a general validation error in the verification process.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// InvalidSignatureError indicates that the cryptographic signature verification failed.
type InvalidSignatureError struct {
	Msg string
}

func (e *InvalidSignatureError) Error() string {
	return e.Msg
}
