package extract

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	pdflib "github.com/digitorus/pdf"
	"github.com/digitorus/pkcs7"

	"github.com/digitorus/signserver/internal/testpki"
	"github.com/digitorus/signserver/sign"
)

func signedPDF(t testing.TB, fields ...string) []byte {
	t.Helper()

	pki := testpki.NewTestPKI(t)
	key, leaf := pki.IssueLeaf("Test Extraction")

	doc := testpki.NewPDF(testpki.PDFOptions{})
	for _, name := range fields {
		var err error
		doc, err = sign.SignWithSigner(context.Background(), doc, pki.LeafChain(leaf), key, sign.Field{Name: name, SignerName: "Extractor"}, nil, 0)
		if err != nil {
			t.Fatalf("failed to sign: %v", err)
		}
	}
	return doc
}

func signatures(t testing.TB, doc []byte) []*Signature {
	t.Helper()

	rdr, err := pdflib.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	var sigs []*Signature
	for sig, err := range Iter(rdr, bytes.NewReader(doc), int64(len(doc))) {
		if err != nil {
			t.Fatalf("iteration error: %v", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestSignatureExtraction(t *testing.T) {
	doc := signedPDF(t, "First", "Second")

	sigs := signatures(t, doc)
	if len(sigs) != 2 {
		t.Fatalf("expected 2 signatures, got %d", len(sigs))
	}

	for i, want := range []string{"First", "Second"} {
		sig := sigs[i]
		if sig.Field != want {
			t.Errorf("Field = %q, want %q", sig.Field, want)
		}
		if sig.Name() != "Extractor" {
			t.Errorf("Name = %q", sig.Name())
		}
		if sig.Filter() != "Adobe.PPKLite" || sig.SubFilter() != "adbe.pkcs7.detached" {
			t.Errorf("unexpected filter %s/%s", sig.Filter(), sig.SubFilter())
		}

		container := sig.Container()
		if len(container) == 0 || len(container) >= len(sig.Contents()) {
			t.Errorf("container of %d bytes, contents of %d", len(container), len(sig.Contents()))
		}
		if _, err := pkcs7.Parse(container); err != nil {
			t.Errorf("container is not a CMS structure: %v", err)
		}

		br := sig.ByteRange()
		if len(br) != 4 || br[0] != 0 {
			t.Fatalf("unexpected ByteRange %v", br)
		}
		reader, err := sig.SignedData()
		if err != nil {
			t.Fatalf("SignedData() error = %v", err)
		}
		data, err := io.ReadAll(reader)
		if err != nil {
			t.Fatalf("failed to read signed data: %v", err)
		}
		if int64(len(data)) != br[1]+br[3] {
			t.Errorf("read %d bytes, ByteRange covers %d", len(data), br[1]+br[3])
		}
		if !bytes.Equal(data[:br[1]], doc[:br[1]]) || !bytes.Equal(data[br[1]:], doc[br[2]:br[2]+br[3]]) {
			t.Error("signed data does not match the covered bytes")
		}
	}
}

func TestIterUnsigned(t *testing.T) {
	doc := testpki.NewPDF(testpki.PDFOptions{FieldNames: []string{"Name"}, SignatureFields: []string{"Customer"}})
	if sigs := signatures(t, doc); len(sigs) != 0 {
		t.Fatalf("expected no signatures, got %d", len(sigs))
	}
}

func TestSignedDataInvalidRange(t *testing.T) {
	doc := signedPDF(t, "Signature1")
	sig := signatures(t, doc)[0]
	sig.Size = 100

	if _, err := sig.SignedData(); !errors.Is(err, ErrInvalidByteRange) {
		t.Fatalf("expected ErrInvalidByteRange, got %v", err)
	}
}

func TestByteRangeReader(t *testing.T) {
	file := bytes.NewReader([]byte("0123456789"))
	r := &ByteRangeReader{File: file, Ranges: []int64{0, 3, 5, 0, 7, 3}}

	// A tiny buffer forces reads to cross range boundaries.
	var out []byte
	buf := make([]byte, 2)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
	}
	if string(out) != "012789" {
		t.Errorf("read %q, want 012789", out)
	}
}

func BenchmarkIter(b *testing.B) {
	doc := signedPDF(b, "Signature1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if len(signatures(b, doc)) != 1 {
			b.Fatal("no signatures found")
		}
	}
}
