package sign

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/signserver/internal/testpki"
	"github.com/digitorus/signserver/tsa"
)

// presign reserves a placeholder sized for s and builds its attributes.
func presign(t *testing.T, s *testSigner, input []byte, withTimestamp bool) (*Prepared, *Attributes) {
	t.Helper()

	size, err := EstimateContentsSize(s.chain, withTimestamp, 0)
	if err != nil {
		t.Fatalf("EstimateContentsSize() error = %v", err)
	}

	prepared, err := Prepare(input, PrepareOptions{
		Field:        Field{Name: "Deferred", Reason: "Remote approval"},
		ContentsSize: size,
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	attrs, err := BuildAttributes(prepared.Content(), s.chain)
	if err != nil {
		t.Fatalf("BuildAttributes() error = %v", err)
	}

	return prepared, attrs
}

func TestDeferredSigning(t *testing.T) {
	for _, profile := range []testpki.KeyProfile{testpki.RSA_2048, testpki.ECDSA_P256} {
		t.Run(string(profile), func(t *testing.T) {
			s := newTestSigner(t, profile)
			tsaFn, _ := s.timestampFunc()

			prepared, attrs := presign(t, s, testpki.NewPDF(testpki.PDFOptions{}), true)

			if len(attrs.HashToSign) != 32 {
				t.Fatalf("expected a SHA-256 hash to sign, got %d bytes", len(attrs.HashToSign))
			}
			if !bytes.Equal(attrs.MessageDigest, prepared.Digest()) {
				t.Fatal("message digest does not match the prepared content")
			}
			if bytes.Equal(attrs.HashToSign, prepared.Digest()) {
				t.Fatal("the hash to sign must cover the attributes, not the content")
			}

			// The private key never sees the document, only the hash.
			signature, err := s.key.Sign(rand.Reader, attrs.HashToSign, crypto.SHA256)
			if err != nil {
				t.Fatalf("failed to sign hash: %v", err)
			}

			container, err := AssembleContainer(context.Background(), prepared.Content(), s.chain, attrs, signature, tsaFn)
			if err != nil {
				t.Fatalf("AssembleContainer() error = %v", err)
			}

			signed, err := Inject(prepared.Document, prepared.ByteRange, container)
			if err != nil {
				t.Fatalf("Inject() error = %v", err)
			}
			if len(signed) != len(prepared.Document) {
				t.Errorf("injection changed the document length from %d to %d", len(prepared.Document), len(signed))
			}
			if err := placeholderIsEmpty(prepared.Document, prepared.ByteRange); err != nil {
				t.Errorf("Inject modified its input: %v", err)
			}

			signatures := verifySignatures(t, signed)
			if len(signatures) != 1 {
				t.Fatalf("expected 1 signature, got %d", len(signatures))
			}
			sig := signatures[0]
			if sig.ContentDigest != hex.EncodeToString(prepared.Digest()) {
				t.Errorf("signed content digest %s does not match %x", sig.ContentDigest, prepared.Digest())
			}
			if !sig.CoversWholeDocument {
				t.Error("signature does not cover the whole document")
			}
			if sig.TimeStamp == nil {
				t.Error("expected a signature timestamp")
			}
			if sig.Signer == nil || !sig.Signer.Equal(s.chain[0]) {
				t.Error("signer certificate does not match the leaf of the chain")
			}
		})
	}
}

func TestDeferredSigningRawECDSA(t *testing.T) {
	s := newTestSigner(t, testpki.ECDSA_P256)
	prepared, attrs := presign(t, s, testpki.NewPDF(testpki.PDFOptions{XrefStream: true}), false)

	der, err := s.key.Sign(rand.Reader, attrs.HashToSign, crypto.SHA256)
	if err != nil {
		t.Fatalf("failed to sign hash: %v", err)
	}
	var parsed struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(der, &parsed); err != nil {
		t.Fatalf("failed to parse ECDSA signature: %v", err)
	}

	// WebCrypto and most HSM APIs return r||s.
	raw := make([]byte, 64)
	parsed.R.FillBytes(raw[:32])
	parsed.S.FillBytes(raw[32:])

	container, err := AssembleContainer(context.Background(), prepared.Content(), s.chain, attrs, raw, nil)
	if err != nil {
		t.Fatalf("AssembleContainer() error = %v", err)
	}

	p7, err := pkcs7.Parse(container)
	if err != nil {
		t.Fatalf("failed to parse container: %v", err)
	}
	if !bytes.Equal(p7.Signers[0].EncryptedDigest, der) {
		// Both encodings describe the same r and s.
		var embedded struct{ R, S *big.Int }
		if _, err := asn1.Unmarshal(p7.Signers[0].EncryptedDigest, &embedded); err != nil || embedded.R.Cmp(parsed.R) != 0 || embedded.S.Cmp(parsed.S) != 0 {
			t.Fatal("embedded signature is not the ASN.1 form of r||s")
		}
	}

	signed, err := Inject(prepared.Document, prepared.ByteRange, container)
	if err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	verifySignatures(t, signed)
}

func TestAssembleContainerErrors(t *testing.T) {
	s := newTestSigner(t, testpki.RSA_2048)
	other := newTestSigner(t, testpki.RSA_2048)
	prepared, attrs := presign(t, s, testpki.NewPDF(testpki.PDFOptions{}), false)
	content := prepared.Content()

	signature, err := s.key.Sign(rand.Reader, attrs.HashToSign, crypto.SHA256)
	if err != nil {
		t.Fatalf("failed to sign hash: %v", err)
	}
	foreign, err := other.key.Sign(rand.Reader, attrs.HashToSign, crypto.SHA256)
	if err != nil {
		t.Fatalf("failed to sign hash: %v", err)
	}

	tampered := *attrs
	tampered.HashToSign = bytes.Repeat([]byte{0xaa}, 32)

	tests := []struct {
		name      string
		content   []byte
		attrs     *Attributes
		signature []byte
		wantErr   error
	}{
		{"signature by another key", content, attrs, foreign, ErrSignatureInvalid},
		{"garbage signature", content, attrs, []byte{1, 2, 3}, ErrSignatureInvalid},
		{"modified content", append([]byte("%"), content...), attrs, signature, ErrDigestMismatch},
		{"modified hash to sign", content, &tampered, signature, ErrAttributesMismatch},
		{"missing attributes", content, nil, signature, ErrAttributesMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AssembleContainer(context.Background(), tt.content, s.chain, tt.attrs, tt.signature, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("AssembleContainer() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("empty chain", func(t *testing.T) {
		if _, err := AssembleContainer(context.Background(), content, nil, attrs, signature, nil); !errors.Is(err, ErrEmptyChain) {
			t.Fatalf("expected ErrEmptyChain, got %v", err)
		}
	})

	t.Run("TSA unavailable", func(t *testing.T) {
		tsaFn, server := s.timestampFunc()
		server.SetFail(true)

		_, err := AssembleContainer(context.Background(), content, s.chain, attrs, signature, tsaFn)
		if !errors.Is(err, tsa.ErrUnavailable) {
			t.Fatalf("expected tsa.ErrUnavailable, got %v", err)
		}
	})

	t.Run("invalid token", func(t *testing.T) {
		badToken := func(context.Context, []byte) ([]byte, error) { return []byte("token"), nil }

		_, err := AssembleContainer(context.Background(), content, s.chain, attrs, signature, badToken)
		if !errors.Is(err, ErrTimestampToken) {
			t.Fatalf("expected ErrTimestampToken, got %v", err)
		}
	})
}

func TestInject(t *testing.T) {
	prepared, err := Prepare(testpki.NewPDF(testpki.PDFOptions{}), PrepareOptions{ContentsSize: 64})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	t.Run("exact fit", func(t *testing.T) {
		container := bytes.Repeat([]byte{0xab}, 64)
		signed, err := Inject(prepared.Document, prepared.ByteRange, container)
		if err != nil {
			t.Fatalf("Inject() error = %v", err)
		}
		start := prepared.ByteRange[1] + 1
		if got := string(signed[start : start+128]); got != hex.EncodeToString(container) {
			t.Errorf("unexpected contents %s", got)
		}
	})

	t.Run("shorter container is zero padded", func(t *testing.T) {
		signed, err := Inject(prepared.Document, prepared.ByteRange, []byte{0x30, 0x03})
		if err != nil {
			t.Fatalf("Inject() error = %v", err)
		}
		start := prepared.ByteRange[1] + 1
		if got := string(signed[start : start+8]); got != "30030000" {
			t.Errorf("unexpected contents %s", got)
		}
	})

	t.Run("too large", func(t *testing.T) {
		_, err := Inject(prepared.Document, prepared.ByteRange, bytes.Repeat([]byte{0xab}, 65))
		if !errors.Is(err, ErrContainerTooLarge) {
			t.Fatalf("expected ErrContainerTooLarge, got %v", err)
		}
	})

	t.Run("placeholder already used", func(t *testing.T) {
		signed, err := Inject(prepared.Document, prepared.ByteRange, []byte{0x30, 0x03})
		if err != nil {
			t.Fatalf("Inject() error = %v", err)
		}
		if _, err := Inject(signed, prepared.ByteRange, []byte{0x30, 0x03}); !errors.Is(err, ErrPlaceholderMismatch) {
			t.Fatalf("expected ErrPlaceholderMismatch, got %v", err)
		}
	})

	t.Run("wrong byte range", func(t *testing.T) {
		br := prepared.ByteRange
		br[1] -= 10
		if _, err := Inject(prepared.Document, br, []byte{0x30}); !errors.Is(err, ErrPlaceholderMismatch) {
			t.Fatalf("expected ErrPlaceholderMismatch, got %v", err)
		}
	})
}

func TestEstimatedSizeFitsContainer(t *testing.T) {
	// A three certificate chain with a timestamp must fit the estimate
	// without any extra reserve.
	s := newTestSigner(t, testpki.RSA_3072)
	tsaFn, _ := s.timestampFunc()

	if len(s.chain) != 3 {
		t.Fatalf("expected a chain of 3 certificates, got %d", len(s.chain))
	}

	prepared, attrs := presign(t, s, testpki.NewPDF(testpki.PDFOptions{}), true)
	signature, err := s.key.Sign(rand.Reader, attrs.HashToSign, crypto.SHA256)
	if err != nil {
		t.Fatalf("failed to sign hash: %v", err)
	}

	container, err := AssembleContainer(context.Background(), prepared.Content(), s.chain, attrs, signature, tsaFn)
	if err != nil {
		t.Fatalf("AssembleContainer() error = %v", err)
	}

	capacity := (prepared.ByteRange[2] - prepared.ByteRange[1] - 2) / 2
	if int64(len(container)) > capacity {
		t.Fatalf("container of %d bytes exceeds the reserved %d bytes", len(container), capacity)
	}
}
