package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
)

var (
	ErrEncrypted        = errors.New("encrypted documents are not supported")
	ErrFieldExists      = errors.New("signature field name already in use")
	ErrPageOutOfRange   = errors.New("page out of range")
	ErrInvalidRect      = errors.New("invalid signature rectangle")
	ErrUnsupportedXref  = errors.New("unsupported cross-reference type")
	ErrEmptyChain       = errors.New("certificate chain is empty")
	ErrPlaceholderSize  = errors.New("placeholder size must be positive")
	ErrMissingTimestamp = errors.New("timestamp function is required")
)

// Prepare appends an incremental update to input that holds a new signature
// field with an empty /Contents placeholder of opts.ContentsSize bytes. The
// returned ByteRange covers the whole document except the placeholder.
func Prepare(input []byte, opts PrepareOptions) (*Prepared, error) {
	if opts.ContentsSize <= 0 {
		return nil, ErrPlaceholderSize
	}
	if opts.Type == 0 {
		opts.Type = ApprovalSignature
	}
	if opts.Field.Page == 0 {
		opts.Field.Page = 1
	}
	if opts.Field.Name == "" {
		opts.Field.Name = GenerateFieldName()
	}
	if !opts.Field.Rect.IsZero() && (opts.Field.Rect.Width() < 1 || opts.Field.Rect.Height() < 1) {
		return nil, fmt.Errorf("%w: width %.2f and height %.2f must be at least 1", ErrInvalidRect, opts.Field.Rect.Width(), opts.Field.Rect.Height())
	}

	rdr, err := pdf.NewReader(bytes.NewReader(input), int64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	context := &SignContext{
		input:     input,
		PDFReader: rdr,
		Options:   opts,
	}
	if err := context.prepare(); err != nil {
		return nil, err
	}

	return &Prepared{
		Document:  context.Output.Buff.Bytes(),
		ByteRange: context.byteRange,
		FieldName: opts.Field.Name,
	}, nil
}

func (context *SignContext) prepare() error {
	if !context.PDFReader.Trailer().Key("Encrypt").IsNull() {
		return ErrEncrypted
	}

	switch context.PDFReader.XrefInformation.Type {
	case "table", "stream":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedXref, context.PDFReader.XrefInformation.Type)
	}

	existing, err := context.existingFields()
	if err != nil {
		return err
	}
	if field, ok := existing[context.Options.Field.Name]; ok {
		if context.Options.Type == TimeStampSignature || !isEmptySignatureField(field) {
			return fmt.Errorf("%w: %s", ErrFieldExists, context.Options.Field.Name)
		}
		context.emptyField = field
		context.reuseField = true
	}

	page := context.Options.Field.Page
	if !context.reuseField && (page < 1 || page > context.PDFReader.NumPage()) {
		return fmt.Errorf("%w: %d (document has %d pages)", ErrPageOutOfRange, page, context.PDFReader.NumPage())
	}

	context.lastXrefID = context.lastObjectID()
	context.Output = filebuffer.New(nil)

	// Copy old file into new buffer.
	if _, err := context.Output.Write(context.input); err != nil {
		return err
	}

	// The update must start on a fresh line after %%EOF.
	if len(context.input) > 0 && context.input[len(context.input)-1] != '\n' {
		if _, err := context.Output.Write([]byte("\n")); err != nil {
			return err
		}
	}

	if err := context.writeSignatureObject(); err != nil {
		return fmt.Errorf("failed to add signature object: %w", err)
	}

	if err := context.writeVisualSignature(); err != nil {
		return fmt.Errorf("failed to add signature widget: %w", err)
	}

	if err := context.writeCatalog(); err != nil {
		return fmt.Errorf("failed to add catalog: %w", err)
	}

	if err := context.writeXref(); err != nil {
		return fmt.Errorf("failed to write xref: %w", err)
	}

	if err := context.writeTrailer(); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}

	if err := context.updateByteRange(); err != nil {
		return fmt.Errorf("failed to update byte range: %w", err)
	}

	return nil
}

// lastObjectID returns the highest object number in use, new objects are
// numbered from the value after it.
func (context *SignContext) lastObjectID() uint32 {
	size := context.PDFReader.Trailer().Key("Size").Int64()
	if count := context.PDFReader.XrefInformation.ItemCount; count > size {
		size = count
	}
	if size < 1 {
		return 0
	}
	return uint32(size - 1)
}

// Content returns the bytes covered by the ByteRange.
func (p *Prepared) Content() []byte {
	return byteRangeContent(p.Document, p.ByteRange)
}

// Digest returns the SHA-256 digest of the covered bytes.
func (p *Prepared) Digest() []byte {
	sum := sha256.Sum256(p.Content())
	return sum[:]
}

// ByteRangeContent returns the bytes of doc covered by byteRange, which
// must describe a single gap inside doc.
func ByteRangeContent(doc []byte, byteRange [4]int64) ([]byte, error) {
	size := int64(len(doc))
	if byteRange[0] != 0 || byteRange[1] < 0 || byteRange[2] < byteRange[1] || byteRange[3] < 0 || byteRange[2]+byteRange[3] > size {
		return nil, fmt.Errorf("%w: byte range %v outside of document", ErrPlaceholderMismatch, byteRange)
	}
	return byteRangeContent(doc, byteRange), nil
}

func byteRangeContent(document []byte, byteRange [4]int64) []byte {
	content := make([]byte, 0, byteRange[1]+byteRange[3])
	content = append(content, document[byteRange[0]:byteRange[0]+byteRange[1]]...)
	content = append(content, document[byteRange[2]:byteRange[2]+byteRange[3]]...)
	return content
}

// SignWithSigner reserves a placeholder, signs the authenticated attributes
// with signer and injects the resulting container in a single pass.
func SignWithSigner(ctx context.Context, input []byte, chain []*x509.Certificate, signer crypto.Signer, field Field, tsa TimestampFunc, reserve int) ([]byte, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	if err := ValidateSignerCertificateMatch(signer, chain[0]); err != nil {
		return nil, err
	}

	size, err := EstimateContentsSize(chain, tsa != nil, reserve)
	if err != nil {
		return nil, err
	}

	prepared, err := Prepare(input, PrepareOptions{
		Type:         ApprovalSignature,
		Field:        field,
		ContentsSize: size,
	})
	if err != nil {
		return nil, err
	}

	content := prepared.Content()
	attrs, err := BuildAttributes(content, chain)
	if err != nil {
		return nil, err
	}

	signature, err := signer.Sign(rand.Reader, attrs.HashToSign, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign attributes: %w", err)
	}

	container, err := AssembleContainer(ctx, content, chain, attrs, signature, tsa)
	if err != nil {
		return nil, err
	}

	return Inject(prepared.Document, prepared.ByteRange, container)
}

// Timestamp adds a document timestamp (ETSI.RFC3161) field whose contents is
// the token returned by tsa for the covered bytes.
func Timestamp(ctx context.Context, input []byte, field Field, tsa TimestampFunc, reserve int) ([]byte, error) {
	if tsa == nil {
		return nil, ErrMissingTimestamp
	}

	prepared, err := Prepare(input, PrepareOptions{
		Type:         TimeStampSignature,
		Field:        field,
		ContentsSize: timestampBaseSize + estimatedTimestampTokenSize + reserve,
	})
	if err != nil {
		return nil, err
	}

	token, err := tsa(ctx, prepared.Content())
	if err != nil {
		return nil, err
	}

	return Inject(prepared.Document, prepared.ByteRange, token)
}

// GenerateFieldName returns a random field name of the form Signature_<hex>.
func GenerateFieldName() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "Signature_" + hex.EncodeToString(b)
}
