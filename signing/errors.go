package signing

import (
	"errors"
	"fmt"

	"github.com/digitorus/signserver/certs"
	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/store"
	"github.com/digitorus/signserver/tsa"
)

// Kind classifies the failure of a signing operation.
type Kind int

const (
	Internal Kind = iota
	InvalidInput
	NotFound
	Forbidden
	UnsupportedOperation
	CryptoFailure
	TsaUnavailable
	StorageFailure
)

var kindNames = map[Kind]string{
	Internal:             "internal",
	InvalidInput:         "invalid_input",
	NotFound:             "not_found",
	Forbidden:            "forbidden",
	UnsupportedOperation: "unsupported_operation",
	CryptoFailure:        "crypto_failure",
	TsaUnavailable:       "tsa_unavailable",
	StorageFailure:       "storage_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by every Service operation.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "presign".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. A message string is turned into an error.
func E(op string, kind Kind, err any) *Error {
	switch v := err.(type) {
	case error:
		return &Error{Kind: kind, Op: op, Err: v}
	case string:
		return &Error{Kind: kind, Op: op, Err: errors.New(v)}
	default:
		return &Error{Kind: kind, Op: op}
	}
}

// KindOf returns the kind of the first *Error in err's chain, or classifies
// well known errors of the lower layers. Anything else is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return sentinelKind(err, Internal)
}

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{store.ErrNotFound, NotFound},
	{store.ErrInvalidKey, InvalidInput},

	{tsa.ErrUnavailable, TsaUnavailable},
	{tsa.ErrBadResponse, TsaUnavailable},
	{tsa.ErrNoURL, UnsupportedOperation},
	{sign.ErrTimestampToken, TsaUnavailable},
	{sign.ErrMissingTimestamp, UnsupportedOperation},

	{sign.ErrContainerTooLarge, CryptoFailure},
	{sign.ErrPlaceholderMismatch, CryptoFailure},
	{sign.ErrSignatureInvalid, CryptoFailure},
	{sign.ErrDigestMismatch, CryptoFailure},
	{sign.ErrAttributesMismatch, CryptoFailure},
	{sign.ErrKeyMismatch, CryptoFailure},
	{sign.ErrUnsupportedKey, CryptoFailure},
	{sign.ErrEmptyChain, CryptoFailure},

	{sign.ErrFieldExists, InvalidInput},
	{sign.ErrPageOutOfRange, InvalidInput},
	{sign.ErrInvalidRect, InvalidInput},
	{sign.ErrEncrypted, InvalidInput},
	{sign.ErrUnsupportedXref, InvalidInput},
	{sign.ErrFieldNotFound, InvalidInput},
	{sign.ErrFieldValue, InvalidInput},
	{sign.ErrSignatureFilled, InvalidInput},

	{certs.ErrNoCertificates, InvalidInput},
	{certs.ErrBrokenChain, InvalidInput},
	{certs.ErrBadPassword, InvalidInput},
	{certs.ErrNoPrivateKey, InvalidInput},
	{certs.ErrUnsupportedKey, InvalidInput},
}

func sentinelKind(err error, fallback Kind) Kind {
	for _, s := range sentinelKinds {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return fallback
}

// classify wraps err for op, keeping an existing kind and otherwise using
// the lower layer sentinels or fallback.
func classify(op string, err error, fallback Kind) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: sentinelKind(err, fallback), Op: op, Err: err}
}
