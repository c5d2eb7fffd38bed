package sign

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"
	"time"

	"github.com/digitorus/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const signatureByteRangePlaceholder = "/ByteRange[0 ********** ********** **********]"

var (
	oidAttributeSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
	oidAttributeTimeStampToken       = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
)

// createSignaturePlaceholder returns the signature dictionary together with
// the offsets, relative to the start of the dictionary, of the /ByteRange
// placeholder and of the opening < of /Contents.
func (context *SignContext) createSignaturePlaceholder() (dict []byte, byteRangeStart int64, contentsStart int64) {
	var signatureBuffer bytes.Buffer

	switch context.Options.Type {
	case TimeStampSignature:
		signatureBuffer.WriteString("<< /Type /DocTimeStamp")
		signatureBuffer.WriteString(" /Filter /Adobe.PPKLite")
		signatureBuffer.WriteString(" /SubFilter /ETSI.RFC3161")
	default:
		signatureBuffer.WriteString("<< /Type /Sig")
		signatureBuffer.WriteString(" /Filter /Adobe.PPKLite")
		signatureBuffer.WriteString(" /SubFilter /adbe.pkcs7.detached")
	}

	byteRangeStart = int64(signatureBuffer.Len()) + 1

	// Create a placeholder for the byte range string, we will replace it later.
	signatureBuffer.WriteString(" " + signatureByteRangePlaceholder)

	contentsStart = int64(signatureBuffer.Len()) + int64(len(" /Contents"))

	// Create a placeholder for the actual signature content, we will replace it later.
	signatureBuffer.WriteString(" /Contents<")
	signatureBuffer.Write(bytes.Repeat([]byte("0"), context.Options.ContentsSize*2))
	signatureBuffer.WriteString(">")

	field := context.Options.Field
	if context.Options.Type != TimeStampSignature {
		if field.SignerName != "" {
			signatureBuffer.WriteString(" /Name ")
			signatureBuffer.WriteString(pdfString(field.SignerName))
		}
		if field.Location != "" {
			signatureBuffer.WriteString(" /Location ")
			signatureBuffer.WriteString(pdfString(field.Location))
		}
		if field.Reason != "" {
			signatureBuffer.WriteString(" /Reason ")
			signatureBuffer.WriteString(pdfString(field.Reason))
		}
		if field.ContactInfo != "" {
			signatureBuffer.WriteString(" /ContactInfo ")
			signatureBuffer.WriteString(pdfString(field.ContactInfo))
		}

		date := field.Date
		if date.IsZero() {
			date = time.Now()
		}
		signatureBuffer.WriteString(" /M ")
		signatureBuffer.WriteString(pdfDateTime(date))
	}
	signatureBuffer.WriteString(" >>")

	return signatureBuffer.Bytes(), byteRangeStart, contentsStart
}

func (context *SignContext) writeSignatureObject() error {
	dict, byteRangeStart, contentsStart := context.createSignaturePlaceholder()

	id, bodyStart, err := context.addObjectAt(dict)
	if err != nil {
		return err
	}

	context.signatureObjectID = id
	context.byteRangeStart = bodyStart + byteRangeStart
	context.contentsStart = bodyStart + contentsStart

	return nil
}

// createSigningCertificateAttribute builds the ESS signingCertificateV2
// attribute that binds the signature to the leaf certificate.
func createSigningCertificateAttribute(cert *x509.Certificate) (*pkcs7.Attribute, error) {
	hash := sha256.Sum256(cert.Raw)

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // SigningCertificateV2
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // []ESSCertIDv2
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // ESSCertIDv2, SHA-256 is the default hash
				b.AddASN1OctetString(hash[:]) // certHash
			})
		})
	})

	sse, err := b.Bytes()
	if err != nil {
		return nil, err
	}

	return &pkcs7.Attribute{
		Type:  oidAttributeSigningCertificateV2,
		Value: asn1.RawValue{FullBytes: sse},
	}, nil
}

// placeholderIsEmpty reports whether the /Contents region of doc described by
// byteRange is still the untouched <000...> run written by Prepare.
func placeholderIsEmpty(doc []byte, byteRange [4]int64) error {
	start := byteRange[0] + byteRange[1]
	end := byteRange[2]
	if start < 0 || end > int64(len(doc)) || end-start < 2 {
		return fmt.Errorf("%w: byte range %v outside document of %d bytes", ErrPlaceholderMismatch, byteRange, len(doc))
	}

	region := doc[start:end]
	if region[0] != '<' || region[len(region)-1] != '>' {
		return fmt.Errorf("%w: placeholder is not a hex string", ErrPlaceholderMismatch)
	}
	if strings.Trim(string(region[1:len(region)-1]), "0") != "" {
		return fmt.Errorf("%w: placeholder already contains data", ErrPlaceholderMismatch)
	}
	return nil
}
