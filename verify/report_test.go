package verify_test

import (
	"bytes"
	"testing"

	"github.com/digitorus/signserver/internal/testpki"
	"github.com/digitorus/signserver/verify"
)

func TestNewReport(t *testing.T) {
	pki := testpki.NewTestPKI(t)

	t.Run("signed", func(t *testing.T) {
		report, err := verify.NewReport(signedDocument(t, pki, false), verify.DefaultOptions())
		if err != nil {
			t.Fatalf("NewReport() error = %v", err)
		}
		if !report.Valid {
			t.Errorf("expected a valid report, signatures: %+v", report.Signatures)
		}
		if len(report.Signatures) != 1 || report.Document == nil {
			t.Fatalf("unexpected report %+v", report)
		}
	})

	t.Run("unsigned", func(t *testing.T) {
		report, err := verify.NewReport(testpki.NewPDF(testpki.PDFOptions{Pages: 2}), verify.DefaultOptions())
		if err != nil {
			t.Fatalf("NewReport() error = %v", err)
		}
		if report.Valid {
			t.Error("an unsigned document is not valid")
		}
		if report.Signatures == nil || len(report.Signatures) != 0 {
			t.Errorf("expected an empty signature list, got %v", report.Signatures)
		}
		if report.Document.Pages != 2 {
			t.Errorf("Pages = %d, want 2", report.Document.Pages)
		}
	})

	t.Run("tampered", func(t *testing.T) {
		signed := bytes.Replace(signedDocument(t, pki, false), []byte("(Test document)"), []byte("(Best document)"), 1)

		report, err := verify.NewReport(signed, verify.DefaultOptions())
		if err != nil {
			t.Fatalf("NewReport() error = %v", err)
		}
		if report.Valid {
			t.Error("a tampered document must not be valid")
		}
	})

	t.Run("not a PDF", func(t *testing.T) {
		if _, err := verify.NewReport([]byte("plain text"), verify.DefaultOptions()); err == nil {
			t.Error("expected an error")
		}
	})
}
