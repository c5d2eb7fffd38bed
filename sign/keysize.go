package sign

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/digitorus/pkcs7"
)

var (
	ErrNilSigner      = errors.New("signer cannot be nil")
	ErrNilPublicKey   = errors.New("public key cannot be nil")
	ErrNilCertificate = errors.New("certificate cannot be nil")
	ErrUnsupportedKey = errors.New("unsupported key type")
	ErrKeyMismatch    = errors.New("signer public key does not match certificate")
)

const (
	// Fixed overhead of the SignedData structure: OIDs, version numbers,
	// issuer and serial, signing time and the attribute wrappers.
	containerBaseSize = 512
	timestampBaseSize = 512

	// TSA responses differ a lot in size depending on the certificates the
	// authority includes; this is enough for a token with a short chain.
	estimatedTimestampTokenSize = 9000
)

// PublicKeySignatureSize returns the maximum signature size for a public key.
// Only RSA and ECDSA keys are supported.
func PublicKeySignatureSize(pub crypto.PublicKey) (int, error) {
	if pub == nil {
		return 0, ErrNilPublicKey
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N == nil {
			return 0, fmt.Errorf("%w: RSA key has nil modulus", ErrUnsupportedKey)
		}
		return k.Size(), nil

	case *ecdsa.PublicKey:
		if k.Curve == nil {
			return 0, fmt.Errorf("%w: ECDSA key has nil curve", ErrUnsupportedKey)
		}
		// SEQUENCE { r INTEGER, s INTEGER }: two coordinates plus tag, length and padding bytes.
		coordSize := (k.Curve.Params().BitSize + 7) / 8
		return 2*coordSize + 9, nil

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// EstimateContentsSize returns the number of bytes to reserve for a CMS
// container signed by chain[0] that embeds the whole chain, optionally with a
// timestamp token, plus reserve bytes of head room.
func EstimateContentsSize(chain []*x509.Certificate, withTimestamp bool, reserve int) (int, error) {
	if len(chain) == 0 {
		return 0, ErrEmptyChain
	}
	leaf := chain[0]

	size := containerBaseSize

	sigSize, err := PublicKeySignatureSize(leaf.PublicKey)
	if err != nil {
		return 0, err
	}
	size += sigSize

	// Message digest and signing certificate attribute.
	size += sha256.Size * 2

	degenerated, err := pkcs7.DegenerateCertificate(leaf.Raw)
	if err != nil {
		return 0, fmt.Errorf("failed to degenerate certificate: %w", err)
	}
	size += len(degenerated)

	// Issuer name in IssuerAndSerialNumber.
	size += len(leaf.RawIssuer)

	for _, cert := range chain[1:] {
		degenerated, err := pkcs7.DegenerateCertificate(cert.Raw)
		if err != nil {
			return 0, fmt.Errorf("failed to degenerate certificate in chain: %w", err)
		}
		size += len(degenerated)
	}

	if withTimestamp {
		size += estimatedTimestampTokenSize
	}

	if reserve > 0 {
		size += reserve
	}

	return size, nil
}

// ValidateSignerCertificateMatch checks that the signer's public key matches the certificate.
func ValidateSignerCertificateMatch(signer crypto.Signer, cert *x509.Certificate) error {
	if signer == nil {
		return ErrNilSigner
	}
	if cert == nil {
		return ErrNilCertificate
	}

	signerPub := signer.Public()
	if signerPub == nil {
		return ErrNilPublicKey
	}

	signerPubBytes, err := x509.MarshalPKIXPublicKey(signerPub)
	if err != nil {
		return fmt.Errorf("failed to marshal signer public key: %w", err)
	}

	certPubBytes, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate public key: %w", err)
	}

	if !bytes.Equal(signerPubBytes, certPubBytes) {
		return ErrKeyMismatch
	}

	return nil
}
