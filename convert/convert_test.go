package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"

	"github.com/digitorus/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitorus/signserver/internal/testpki"
)

func openPDF(t *testing.T, doc []byte) *pdf.Reader {
	t.Helper()

	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)
	return r
}

func TestNormalizeConformance(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", PDFA2B},
		{"PDF/A-1B", PDFA1B},
		{"pdf/a-2b", PDFA2B},
		{"pdfa-3b", PDFA3B},
		{"PDFA_3B", PDFA3B},
		{"1b", PDFA1B},
		{"2", PDFA2B},
		{" PDF/A-3b ", PDFA3B},
		{"PDF/A-1A", PDFA1A},
		{"pdfa-2a", PDFA2A},
		{"PDF/A-2U", PDFA2U},
		{"3u", PDFA3U},
		{"PDF/A-4", PDFA4},
		{"pdfa_4f", PDFA4F},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeConformance(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, in := range []string{"PDF/A-5", "1u", "4b", "pdf/x-1a"} {
		_, err := NormalizeConformance(in)
		assert.ErrorIs(t, err, ErrUnsupportedConformance, in)
	}
}

func TestToPDFA(t *testing.T) {
	c := New()
	doc := testpki.NewPDF(testpki.PDFOptions{Pages: 2})

	out, err := c.ToPDFA(context.Background(), doc, "pdfa-3b")
	require.NoError(t, err)
	require.NoError(t, c.Validate(out))

	r := openPDF(t, out)
	assert.Equal(t, 2, r.NumPage())
	assert.Equal(t, PDFA3B, r.Trailer().Key("Info").Key(ConformanceProperty).Text())
	requirePDFAMarkers(t, r, `pdfaid:part="3"`, `pdfaid:conformance="B"`)

	_, err = c.ToPDFA(context.Background(), doc, "PDF/A-9")
	assert.ErrorIs(t, err, ErrUnsupportedConformance)

	_, err = c.ToPDFA(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrEmptyDocument)

	_, err = c.ToPDFA(context.Background(), []byte("not a pdf"), "")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.ToPDFA(ctx, doc, "")
	assert.ErrorIs(t, err, context.Canceled)
}

func requirePDFAMarkers(t *testing.T, r *pdf.Reader, markers ...string) {
	t.Helper()

	root := r.Trailer().Key("Root")

	intents := root.Key("OutputIntents")
	require.Equal(t, 1, intents.Len())
	intent := intents.Index(0)
	assert.Equal(t, "GTS_PDFA1", intent.Key("S").Name())
	assert.Equal(t, OutputCondition, intent.Key("OutputConditionIdentifier").Text())

	profile := intent.Key("DestOutputProfile")
	assert.Equal(t, int64(3), profile.Key("N").Int64())
	icc, err := io.ReadAll(profile.Reader())
	require.NoError(t, err)
	require.Greater(t, len(icc), 128)
	assert.Equal(t, "acsp", string(icc[36:40]))
	assert.Equal(t, "RGB ", string(icc[16:20]))
	assert.Equal(t, uint32(len(icc)), binary.BigEndian.Uint32(icc))

	metadata := root.Key("Metadata")
	assert.Equal(t, "XML", metadata.Key("Subtype").Name())
	assert.True(t, metadata.Key("Filter").IsNull(), "metadata must not be filtered")
	xmp, err := io.ReadAll(metadata.Reader())
	require.NoError(t, err)
	for _, m := range markers {
		assert.Contains(t, string(xmp), m)
	}
}

func TestToPDFALevels(t *testing.T) {
	c := New()
	doc := testpki.NewPDF(testpki.PDFOptions{})

	tests := []struct {
		in      string
		markers []string
	}{
		{"", []string{`pdfaid:part="2"`, `pdfaid:conformance="B"`}},
		{"PDF/A-1A", []string{`pdfaid:part="1"`, `pdfaid:conformance="A"`}},
		{"pdfa-2u", []string{`pdfaid:part="2"`, `pdfaid:conformance="U"`}},
		{"PDF/A-4", []string{`pdfaid:part="4"`, `pdfaid:rev="2020"`}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			out, err := c.ToPDFA(context.Background(), doc, tt.in)
			require.NoError(t, err)
			requirePDFAMarkers(t, openPDF(t, out), tt.markers...)
		})
	}

	// Converting again replaces the intent instead of adding a second one.
	once, err := c.ToPDFA(context.Background(), doc, "")
	require.NoError(t, err)
	twice, err := c.ToPDFA(context.Background(), once, "PDF/A-3U")
	require.NoError(t, err)
	requirePDFAMarkers(t, openPDF(t, twice), `pdfaid:part="3"`, `pdfaid:conformance="U"`)
}

func TestIdentificationOf(t *testing.T) {
	id, err := IdentificationOf(PDFA2U)
	require.NoError(t, err)
	assert.Equal(t, Identification{Part: 2, Conformance: "U"}, id)

	id, err = IdentificationOf(PDFA4)
	require.NoError(t, err)
	assert.Equal(t, Identification{Part: 4}, id)

	_, err = IdentificationOf("PDF/X-1A")
	assert.ErrorIs(t, err, ErrUnsupportedConformance)
}

func TestAddAttachment(t *testing.T) {
	c := New()
	doc := testpki.NewPDF(testpki.PDFOptions{})

	out, err := c.AddAttachment(context.Background(), doc, Attachment{
		FileName:    "invoice.xml",
		Description: "Structured invoice data",
		Data:        []byte("<invoice/>"),
	})
	require.NoError(t, err)
	require.NoError(t, c.Validate(out))

	names := openPDF(t, out).Trailer().Key("Root").Key("Names").Key("EmbeddedFiles").Key("Names")
	require.Equal(t, 2, names.Len())
	assert.Equal(t, "invoice.xml", names.Index(0).Text())
	assert.Equal(t, "Structured invoice data", names.Index(1).Key("Desc").Text())

	tests := []struct {
		name string
		doc  []byte
		a    Attachment
		want error
	}{
		{"empty document", nil, Attachment{FileName: "a.txt", Data: []byte("a")}, ErrEmptyDocument},
		{"no name", doc, Attachment{Data: []byte("a")}, ErrInvalidAttachment},
		{"comma in name", doc, Attachment{FileName: "a,b.txt", Data: []byte("a")}, ErrInvalidAttachment},
		{"no data", doc, Attachment{FileName: "a.txt"}, ErrInvalidAttachment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AddAttachment(context.Background(), tt.doc, tt.a)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPageCount(t *testing.T) {
	c := New()

	n, err := c.PageCount(testpki.NewPDF(testpki.PDFOptions{Pages: 3}))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = c.PageCount(testpki.NewPDF(testpki.PDFOptions{XrefStream: true}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.PageCount(nil)
	assert.ErrorIs(t, err, ErrEmptyDocument)
}

func TestValidate(t *testing.T) {
	c := New()

	assert.NoError(t, c.Validate(testpki.NewPDF(testpki.PDFOptions{})))
	assert.ErrorIs(t, c.Validate(nil), ErrEmptyDocument)
	assert.Error(t, c.Validate([]byte("%PDF-1.7\ngarbage")))
}
