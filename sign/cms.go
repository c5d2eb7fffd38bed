package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/digitorus/pkcs7"
)

var (
	ErrDigestMismatch     = errors.New("content digest does not match the authenticated attributes")
	ErrAttributesMismatch = errors.New("authenticated attributes do not match the hash to sign")
	ErrSignatureInvalid   = errors.New("signature does not verify against the signing certificate")
	ErrTimestampToken     = errors.New("invalid timestamp token")

	ErrContainerTooLarge   = errors.New("signature container does not fit the reserved placeholder")
	ErrPlaceholderMismatch = errors.New("signature placeholder not found")
)

// Attributes are the CMS authenticated attributes of a signature that is
// completed later, together with the digest the signer has to sign.
type Attributes struct {
	// Raw is the DER encoded SEQUENCE OF Attribute.
	Raw []byte
	// HashToSign is the SHA-256 digest of the attributes encoded as a DER SET.
	HashToSign []byte
	// MessageDigest is the SHA-256 digest of the signed content.
	MessageDigest []byte
}

// rawAttribute mirrors the CMS Attribute structure.
type rawAttribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

// digestCapture is a crypto.Signer that records the digest it is asked to
// sign instead of signing it.
type digestCapture struct {
	public crypto.PublicKey
	digest []byte
}

func (d *digestCapture) Public() crypto.PublicKey { return d.public }

func (d *digestCapture) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	d.digest = append([]byte(nil), digest...)
	return []byte{0}, nil
}

// fixedSigner returns a signature that was produced elsewhere.
type fixedSigner struct {
	public    crypto.PublicKey
	signature []byte
}

func (f *fixedSigner) Public() crypto.PublicKey { return f.public }

func (f *fixedSigner) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return f.signature, nil
}

func newSignedData(content []byte, chain []*x509.Certificate, signer crypto.Signer) (*pkcs7.SignedData, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}

	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	signingCertificate, err := createSigningCertificateAttribute(chain[0])
	if err != nil {
		return nil, fmt.Errorf("signing certificate attribute: %w", err)
	}

	signerConfig := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{*signingCertificate},
	}
	if err := signedData.AddSignerChain(chain[0], signer, chain[1:], signerConfig); err != nil {
		return nil, fmt.Errorf("add signer chain: %w", err)
	}

	return signedData, nil
}

// BuildAttributes creates the authenticated attributes (contentType,
// messageDigest, signingTime and signingCertificateV2) for content signed by
// chain[0] and returns them with the digest that has to be signed.
func BuildAttributes(content []byte, chain []*x509.Certificate) (*Attributes, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}

	capture := &digestCapture{public: chain[0].PublicKey}
	signedData, err := newSignedData(content, chain, capture)
	if err != nil {
		return nil, err
	}

	raw, err := asn1.Marshal(signedData.GetSignedData().SignerInfos[0].AuthenticatedAttributes)
	if err != nil {
		return nil, fmt.Errorf("marshal authenticated attributes: %w", err)
	}

	messageDigest := sha256.Sum256(content)

	return &Attributes{
		Raw:           raw,
		HashToSign:    capture.digest,
		MessageDigest: messageDigest[:],
	}, nil
}

// check verifies that the attributes belong to content and hash to HashToSign.
func (a *Attributes) check(content []byte) error {
	var attrs []rawAttribute
	rest, err := asn1.Unmarshal(a.Raw, &attrs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttributesMismatch, err)
	}
	if len(rest) > 0 {
		return fmt.Errorf("%w: trailing data", ErrAttributesMismatch)
	}

	var digest []byte
	for _, attr := range attrs {
		if attr.Type.Equal(pkcs7.OIDAttributeMessageDigest) {
			if _, err := asn1.Unmarshal(attr.Value.Bytes, &digest); err != nil {
				return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
			}
		}
	}
	computed := sha256.Sum256(content)
	if subtle.ConstantTimeCompare(digest, computed[:]) != 1 {
		return ErrDigestMismatch
	}

	set, err := marshalAttributeSet(attrs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAttributesMismatch, err)
	}
	hash := sha256.Sum256(set)
	if subtle.ConstantTimeCompare(hash[:], a.HashToSign) != 1 {
		return ErrAttributesMismatch
	}

	return nil
}

// marshalAttributeSet returns the DER SET OF encoding that is signed.
func marshalAttributeSet(attrs []rawAttribute) ([]byte, error) {
	encoded, err := asn1.Marshal(struct {
		A []rawAttribute `asn1:"set"`
	}{A: attrs})
	if err != nil {
		return nil, err
	}

	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(encoded, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

// AssembleContainer builds a detached CMS SignedData for content around the
// stored attributes and the externally produced signature. When tsa is not
// nil a timestamp token over the signature value is added as an unsigned
// attribute.
func AssembleContainer(ctx context.Context, content []byte, chain []*x509.Certificate, attrs *Attributes, signature []byte, tsa TimestampFunc) ([]byte, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	if attrs == nil {
		return nil, ErrAttributesMismatch
	}
	if err := attrs.check(content); err != nil {
		return nil, err
	}

	signature, err := verifySignature(chain[0].PublicKey, attrs.HashToSign, signature)
	if err != nil {
		return nil, err
	}

	signedData, err := newSignedData(content, chain, &fixedSigner{public: chain[0].PublicKey, signature: signature})
	if err != nil {
		return nil, err
	}

	signerInfo := &signedData.GetSignedData().SignerInfos[0]
	signerInfo.AuthenticatedAttributes = nil
	if _, err := asn1.Unmarshal(attrs.Raw, &signerInfo.AuthenticatedAttributes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttributesMismatch, err)
	}
	signerInfo.EncryptedDigest = signature

	// PDF needs a detached signature, meaning the content isn't included.
	signedData.Detach()

	if tsa != nil {
		token, err := tsa(ctx, signature)
		if err != nil {
			return nil, fmt.Errorf("get timestamp: %w", err)
		}

		if _, err := pkcs7.Parse(token); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimestampToken, err)
		}

		timestampAttribute := pkcs7.Attribute{
			Type:  oidAttributeTimeStampToken,
			Value: asn1.RawValue{FullBytes: token},
		}
		if err := signerInfo.SetUnauthenticatedAttributes([]pkcs7.Attribute{timestampAttribute}); err != nil {
			return nil, err
		}
	}

	return signedData.Finish()
}

// verifySignature checks signature over digest with pub. ECDSA signatures may
// be given as ASN.1 or as the fixed size r||s form produced by WebCrypto; the
// ASN.1 form is returned for embedding.
func verifySignature(pub crypto.PublicKey, digest, signature []byte) ([]byte, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest, signature); err != nil {
			return nil, ErrSignatureInvalid
		}
		return signature, nil

	case *ecdsa.PublicKey:
		if ecdsa.VerifyASN1(k, digest, signature) {
			return signature, nil
		}
		coordSize := (k.Curve.Params().BitSize + 7) / 8
		if len(signature) != 2*coordSize {
			return nil, ErrSignatureInvalid
		}
		r := new(big.Int).SetBytes(signature[:coordSize])
		s := new(big.Int).SetBytes(signature[coordSize:])
		if !ecdsa.Verify(k, digest, r, s) {
			return nil, ErrSignatureInvalid
		}
		der, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
		if err != nil {
			return nil, err
		}
		return der, nil

	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// Inject writes container into the /Contents placeholder of doc and returns
// the signed document. doc is not modified.
func Inject(doc []byte, byteRange [4]int64, container []byte) ([]byte, error) {
	if err := placeholderIsEmpty(doc, byteRange); err != nil {
		return nil, err
	}

	start := byteRange[0] + byteRange[1] + 1
	capacity := byteRange[2] - 1 - start

	encoded := make([]byte, len(container)*2)
	hex.Encode(encoded, container)
	if int64(len(encoded)) > capacity {
		return nil, fmt.Errorf("%w: need %d bytes, placeholder holds %d", ErrContainerTooLarge, len(container), capacity/2)
	}

	out := bytes.Clone(doc)
	copy(out[start:], encoded)

	return out, nil
}
