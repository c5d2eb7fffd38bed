package verify

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/digitorus/signserver/extract"
)

// oidAttributeTimeStampToken is the RFC 3161 id-aa-timeStampToken attribute.
var oidAttributeTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// verifyField processes a single signature dictionary.
func verifyField(field *extract.Signature, file []byte, options *Options) Signature {
	v := field.Object()
	sig := Signature{
		FieldName:   field.Field,
		Name:        v.Key("Name").Text(),
		Reason:      v.Key("Reason").Text(),
		Location:    v.Key("Location").Text(),
		ContactInfo: v.Key("ContactInfo").Text(),
		SubFilter:   field.SubFilter(),
	}

	if m := v.Key("M"); !m.IsNull() {
		if t, err := parseDate(m.Text()); err == nil {
			sig.SigningTime = &t
		}
	}

	sig.ByteRange = field.ByteRange()

	content, err := readByteRange(field)
	if err != nil {
		sig.addError(&ValidationError{Msg: fmt.Sprintf("failed to read ByteRange: %v", err)})
		return sig
	}
	sig.CoversWholeDocument = coversWholeDocument(sig.ByteRange, file)
	sig.ContentDigest = contentDigest(content)

	// Contents holds the DER encoded CMS structure, zero padded to the
	// size reserved for it.
	rawSignature := field.Contents()
	p7, err := pkcs7.Parse(rawSignature)
	if err != nil {
		sig.addError(&InvalidSignatureError{Msg: fmt.Sprintf("failed to parse PKCS#7: %v", err)})
		return sig
	}

	if sig.SubFilter == "ETSI.RFC3161" {
		// A document timestamp embeds the TSTInfo, the PDF bytes have to
		// match its message imprint.
		ts, err := timestamp.Parse(rawSignature)
		if err != nil {
			sig.addError(&ValidationError{Msg: fmt.Sprintf("failed to parse TSTInfo: %v", err)})
			return sig
		}
		setTimestamp(&sig, ts)

		h := ts.HashAlgorithm.New()
		h.Write(content)
		if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
			sig.addError(&ValidationError{Msg: "timestamp hash does not match"})
			return sig
		}
	} else {
		p7.Content = content

		if err := processTimestamp(p7, &sig); err != nil {
			sig.addError(&ValidationError{Msg: fmt.Sprintf("failed to process timestamp: %v", err)})
			return sig
		}
	}

	if err := verifySignature(p7, &sig, options); err != nil {
		sig.addError(&InvalidSignatureError{Msg: fmt.Sprintf("failed to verify signature: %v", err)})
		return sig
	}

	buildCertificateChains(p7, &sig, options)

	return sig
}

// readByteRange reads the content defined by ByteRange.
func readByteRange(field *extract.Signature) ([]byte, error) {
	r, err := field.SignedData()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// coversWholeDocument reports whether byteRange is [0 a b c] with the gap
// between a and b being exactly the hex string of /Contents and b+c the end
// of the file.
func coversWholeDocument(byteRange []int64, file []byte) bool {
	if len(byteRange) != 4 || byteRange[0] != 0 {
		return false
	}
	gapStart, gapEnd := byteRange[1], byteRange[2]
	if gapEnd+byteRange[3] != int64(len(file)) || gapEnd-gapStart < 2 {
		return false
	}
	if file[gapStart] != '<' || file[gapEnd-1] != '>' {
		return false
	}
	for _, c := range file[gapStart+1 : gapEnd-1] {
		if !isHexDigit(c) {
			return false
		}
	}
	return true
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// processTimestamp looks for a signature timestamp token and checks that it
// covers the signature value.
func processTimestamp(p7 *pkcs7.PKCS7, sig *Signature) error {
	for _, s := range p7.Signers {
		for _, attr := range s.UnauthenticatedAttributes {
			if !attr.Type.Equal(oidAttributeTimeStampToken) {
				continue
			}

			ts, err := timestamp.Parse(attr.Value.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse timestamp: %v", err)
			}
			setTimestamp(sig, ts)

			h := ts.HashAlgorithm.New()
			h.Write(s.EncryptedDigest)
			if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
				return fmt.Errorf("timestamp hash does not match")
			}
			return nil
		}
	}
	return nil
}

func setTimestamp(sig *Signature, ts *timestamp.Timestamp) {
	sig.TimeStamp = ts
	if !ts.Time.IsZero() {
		t := ts.Time
		sig.TimestampTime = &t
	}
}

// verifySignature verifies the digital signature, first against the trusted
// roots and then on its own.
func verifySignature(p7 *pkcs7.PKCS7, sig *Signature, options *Options) error {
	roots := options.Roots
	if roots == nil {
		roots = x509.NewCertPool()
		for _, cert := range p7.Certificates {
			roots.AddCert(cert)
		}
	}

	if err := p7.VerifyWithChain(roots); err != nil {
		if err := p7.Verify(); err != nil {
			return fmt.Errorf("signature verification failed: %v", err)
		}
		sig.ValidSignature = true
		sig.TrustedIssuer = false
		return nil
	}

	sig.ValidSignature = true
	sig.TrustedIssuer = true
	return nil
}

// contentDigest is the hex SHA-256 of the signed bytes.
func contentDigest(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}
