// Package convert implements the document transformation steps of a flow
// on top of pdfcpu: PDF/A normalisation, file attachments, page counting
// and validation. Signing steps live in the signing package.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var (
	ErrUnsupportedConformance = errors.New("unsupported PDF/A conformance")
	ErrEmptyDocument          = errors.New("document is empty")
	ErrInvalidAttachment      = errors.New("invalid attachment")
)

// ConformanceProperty is the document property recording the PDF/A
// conformance level a document was normalised for.
const ConformanceProperty = "Conformance"

// Conformance levels accepted by ToPDFA.
const (
	PDFA1A = "PDF/A-1A"
	PDFA1B = "PDF/A-1B"
	PDFA2A = "PDF/A-2A"
	PDFA2B = "PDF/A-2B"
	PDFA2U = "PDF/A-2U"
	PDFA3A = "PDF/A-3A"
	PDFA3B = "PDF/A-3B"
	PDFA3U = "PDF/A-3U"
	PDFA4  = "PDF/A-4"
	PDFA4E = "PDF/A-4E"
	PDFA4F = "PDF/A-4F"

	DefaultConformance = PDFA2B
)

var conformanceLevels = map[string]string{
	"1A": PDFA1A,
	"1B": PDFA1B,
	"1":  PDFA1B,
	"2A": PDFA2A,
	"2B": PDFA2B,
	"2U": PDFA2U,
	"2":  PDFA2B,
	"3A": PDFA3A,
	"3B": PDFA3B,
	"3U": PDFA3U,
	"3":  PDFA3B,
	"4":  PDFA4,
	"4E": PDFA4E,
	"4F": PDFA4F,
}

// NormalizeConformance maps the accepted spellings of a conformance level
// (pdfa-2b, PDF/A-2b, 2b, ...) to its canonical form. Empty selects
// DefaultConformance.
func NormalizeConformance(s string) (string, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.NewReplacer("PDF/A", "", "PDFA", "", "-", "", "_", "", " ", "").Replace(v)

	if v == "" {
		return DefaultConformance, nil
	}
	if level, ok := conformanceLevels[v]; ok {
		return level, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedConformance, s)
}

// Converter runs pdfcpu operations on in-memory documents.
type Converter struct {
	Config *model.Configuration
}

// New returns a Converter using relaxed validation. Output uses a classic
// cross-reference table without object streams, which PDF/A-1 requires.
func New() *Converter {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	cfg.WriteObjectStream = false
	cfg.WriteXRefStream = false
	return &Converter{Config: cfg}
}

// conf returns a copy of the configuration; pdfcpu records the running
// command in it.
func (c *Converter) conf() *model.Configuration {
	if c.Config == nil {
		return New().conf()
	}
	cfg := *c.Config
	return &cfg
}

// ToPDFA rewrites and optimises the document and marks it for the
// requested conformance level: an XMP metadata stream carrying the PDF/A
// identification, a GTS_PDFA1 output intent with an sRGB profile and the
// level in the document properties. Content is not re-encoded, so fonts
// and images have to meet the level already.
func (c *Converter) ToPDFA(ctx context.Context, doc []byte, conformance string) ([]byte, error) {
	level, err := NormalizeConformance(conformance)
	if err != nil {
		return nil, err
	}
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conf := c.conf()
	conf.Cmd = model.OPTIMIZE
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(doc), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to optimize document: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := pdfcpu.PropertiesAdd(pdfCtx, map[string]string{ConformanceProperty: level}); err != nil {
		return nil, fmt.Errorf("failed to set conformance property: %w", err)
	}
	if err := addOutputIntent(pdfCtx); err != nil {
		return nil, fmt.Errorf("failed to add output intent: %w", err)
	}
	if err := addIdentification(pdfCtx, level, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to add PDF/A metadata: %w", err)
	}

	var out bytes.Buffer
	if err := api.WriteContext(pdfCtx, &out); err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}
	return out.Bytes(), nil
}

// Attachment is a file embedded in a document.
type Attachment struct {
	FileName    string
	Description string
	Data        []byte
}

// AddAttachment embeds a file in the document.
func (c *Converter) AddAttachment(ctx context.Context, doc []byte, a Attachment) ([]byte, error) {
	if len(doc) == 0 {
		return nil, ErrEmptyDocument
	}

	name := filepath.Base(strings.TrimSpace(a.FileName))
	if name == "." || name == string(filepath.Separator) || strings.ContainsAny(name, ",") {
		return nil, fmt.Errorf("%w: file name %q", ErrInvalidAttachment, a.FileName)
	}
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidAttachment, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// pdfcpu reads attachments from files named after the attachment.
	dir, err := os.MkdirTemp("", "signserver-attachment-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, a.Data, 0o600); err != nil {
		return nil, err
	}

	spec := path
	if desc := strings.ReplaceAll(a.Description, ",", " "); desc != "" {
		spec += "," + desc
	}

	var out bytes.Buffer
	if err := api.AddAttachments(bytes.NewReader(doc), &out, []string{spec}, false, c.conf()); err != nil {
		return nil, fmt.Errorf("failed to add attachment %s: %w", name, err)
	}

	return out.Bytes(), nil
}

// PageCount returns the number of pages of the document.
func (c *Converter) PageCount(doc []byte) (int, error) {
	if len(doc) == 0 {
		return 0, ErrEmptyDocument
	}
	n, err := api.PageCount(bytes.NewReader(doc), c.conf())
	if err != nil {
		return 0, fmt.Errorf("failed to count pages: %w", err)
	}
	return n, nil
}

// Validate checks the document structure.
func (c *Converter) Validate(doc []byte) error {
	if len(doc) == 0 {
		return ErrEmptyDocument
	}
	if err := api.Validate(bytes.NewReader(doc), c.conf()); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	return nil
}
