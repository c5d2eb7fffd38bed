package cli

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/golang-jwt/jwt/v5"

	"github.com/digitorus/signserver/api"
	"github.com/digitorus/signserver/config"
	"github.com/digitorus/signserver/internal/testpki"
	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/signing"
	"github.com/digitorus/signserver/verify"
)

// writeConfig writes a configuration with filesystem storage in a
// temporary directory followed by extra TOML.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "signserver.toml")
	content := fmt.Sprintf("[log]\nlevel = \"error\"\n\n[storage]\ndriver = \"filesystem\"\npath = %q\n\n%s", filepath.Join(dir, "data"), extra)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes the root command with args and returns its standard output.
func run(ctx context.Context, stdin string, args ...string) (string, error) {
	cmd := New()
	cmd.SetArgs(args)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))

	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func verifyFile(t *testing.T, path string) *verify.Report {
	t.Helper()

	out, err := run(context.Background(), "", "verify", path)
	if err != nil {
		t.Fatalf("verify %s: %v\n%s", path, err, out)
	}
	var report verify.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode verify output: %v\n%s", err, out)
	}
	return &report
}

func TestPresignFinalize(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t, "")

	pki := testpki.NewTestPKIWithConfig(t, testpki.TestPKIConfig{Profile: testpki.ECDSA_P256, IntermediateCAs: 1})
	key, leaf := pki.IssueLeaf("CLI Signer")
	chain := writeFile(t, "chain.pem", testpki.PEM(pki.LeafChain(leaf)...))
	input := writeFile(t, "input.pdf", testpki.NewPDF(testpki.PDFOptions{}))

	presign := func(t *testing.T) (string, string) {
		t.Helper()

		out, err := run(ctx, "", "presign", "--config", cfg, "--cert", chain, "--reason", "Terminal approval", input)
		if err != nil {
			t.Fatalf("presign: %v", err)
		}
		var result signing.PresignResult
		if err := json.Unmarshal([]byte(out), &result); err != nil {
			t.Fatalf("failed to decode presign output: %v\n%s", err, out)
		}

		hash, err := hex.DecodeString(result.HashToSign)
		if err != nil {
			t.Fatal(err)
		}
		signature, err := key.Sign(rand.Reader, hash, crypto.SHA256)
		if err != nil {
			t.Fatal(err)
		}
		return result.Handle, hex.EncodeToString(signature)
	}

	t.Run("signature flag", func(t *testing.T) {
		id, signature := presign(t)
		output := filepath.Join(t.TempDir(), "signed.pdf")

		if _, err := run(ctx, "", "finalize", "--config", cfg, "--id", id, "--signature", signature, output); err != nil {
			t.Fatalf("finalize: %v", err)
		}

		report := verifyFile(t, output)
		if !report.Valid || len(report.Signatures) != 1 {
			t.Fatalf("unexpected report %+v", report)
		}
		if report.Signatures[0].Reason != "Terminal approval" {
			t.Errorf("Reason = %q", report.Signatures[0].Reason)
		}

		if _, err := run(ctx, "", "finalize", "--config", cfg, "--id", id, "--signature", signature, output); err == nil {
			t.Error("a request can only be finalized once")
		}
	})

	t.Run("signature from stdin", func(t *testing.T) {
		id, signature := presign(t)
		output := filepath.Join(t.TempDir(), "signed.pdf")

		if _, err := run(ctx, signature+"\n", "finalize", "--config", cfg, "--id", id, "--signature", "-", output); err != nil {
			t.Fatalf("finalize: %v", err)
		}
		if report := verifyFile(t, output); !report.Valid {
			t.Fatalf("unexpected report %+v", report)
		}
	})

	t.Run("missing certificate flag", func(t *testing.T) {
		if _, err := run(ctx, "", "presign", "--config", cfg, input); err == nil {
			t.Error("expected an error without --cert")
		}
	})
}

func TestSign(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t, "")

	pki := testpki.NewTestPKI(t)
	key, leaf := pki.IssueLeaf("Bundle Signer")
	bundle := writeFile(t, "signer.p12", pki.PFX(key, leaf, "secret"))
	input := writeFile(t, "input.pdf", testpki.NewPDF(testpki.PDFOptions{Pages: 2}))
	output := filepath.Join(t.TempDir(), "signed.pdf")

	_, err := run(ctx, "", "sign", "--config", cfg, "--pfx", bundle, "--password", "secret",
		"--field", "Approval", "--location", "Rotterdam", "--page", "2", "--rect", "50,50,200,60", input, output)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	report := verifyFile(t, output)
	if !report.Valid || len(report.Signatures) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	sig := report.Signatures[0]
	if sig.FieldName != "Approval" || sig.Location != "Rotterdam" || sig.SignerName != "Bundle Signer" {
		t.Errorf("unexpected signature %+v", sig)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"wrong password", []string{"--password", "wrong"}},
		{"incomplete rect", []string{"--password", "secret", "--rect", "1,2,3"}},
		{"missing image", []string{"--password", "secret", "--rect", "1,2,3,4", "--image", filepath.Join(t.TempDir(), "missing.png")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"sign", "--config", cfg, "--pfx", bundle}, tt.args...)
			args = append(args, input, filepath.Join(t.TempDir(), "out.pdf"))
			if _, err := run(ctx, "", args...); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestTimestamp(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t, "")
	input := writeFile(t, "input.pdf", testpki.NewPDF(testpki.PDFOptions{}))
	output := filepath.Join(t.TempDir(), "stamped.pdf")

	if _, err := run(ctx, "", "timestamp", "--config", cfg, input, output); err == nil {
		t.Fatal("expected an error without a configured TSA")
	}

	server := testpki.NewTestPKI(t).StartTSA()
	if _, err := run(ctx, "", "timestamp", "--config", cfg, "--tsa", server.URL, input, output); err != nil {
		t.Fatalf("timestamp: %v", err)
	}

	report := verifyFile(t, output)
	if len(report.Signatures) != 1 || report.Signatures[0].SubFilter != "ETSI.RFC3161" {
		t.Fatalf("unexpected report %+v", report)
	}

	withTSA := writeConfig(t, fmt.Sprintf("[tsa]\nurl = %q\n", server.URL))
	if _, err := run(ctx, "", "timestamp", "--config", withTSA, input, output); err != nil {
		t.Fatalf("timestamp with configured TSA: %v", err)
	}
	if server.Requests.Load() != 2 {
		t.Errorf("expected 2 TSA requests, got %d", server.Requests.Load())
	}
}

func TestVerifyUnsigned(t *testing.T) {
	input := writeFile(t, "input.pdf", testpki.NewPDF(testpki.PDFOptions{}))

	out, err := run(context.Background(), "", "verify", input)
	if err == nil {
		t.Fatal("expected an error for an unsigned document")
	}

	var report verify.Report
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("failed to decode verify output: %v\n%s", err, out)
	}
	if report.Valid || report.Document == nil || report.Document.Pages != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	if _, err := run(context.Background(), "", "verify", "--roots", input, input); err == nil {
		t.Error("expected an error for a roots file without certificates")
	}
}

func TestToken(t *testing.T) {
	ctx := context.Background()

	if _, err := run(ctx, "", "token", "--config", writeConfig(t, ""), "--subject", "alice"); err == nil {
		t.Error("expected an error without a secret")
	}

	cfg := writeConfig(t, "[auth]\nenabled = true\njwt_secret = \"s3cret\"\nissuer = \"signserver\"\n")
	out, err := run(ctx, "", "token", "--config", cfg, "--subject", "alice", "--ttl", "1h")
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	claims := &api.Claims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	}, jwt.WithIssuer("signserver"))
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", claims.Subject)
	}
}

func TestServe(t *testing.T) {
	cfg := writeConfig(t, "[http]\naddr = \"127.0.0.1:0\"\nshutdown_timeout = \"5s\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := run(ctx, "", "serve", "--config", cfg)
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}

	if _, err := run(context.Background(), "", "serve", "--config", filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected an error for a missing configuration file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	log, err := newLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("hidden")
	log.Warn().Str("handle", "abc").Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info event written at warn level")
	}
	var event map[string]any
	if err := json.Unmarshal(buf.Bytes(), &event); err != nil {
		t.Fatalf("expected one JSON line: %v\n%s", err, buf.String())
	}
	if event["handle"] != "abc" || event["level"] != "warn" {
		t.Errorf("unexpected event %v", event)
	}

	buf.Reset()
	log, err = newLogger(config.Log{Level: "info", Format: "console"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("readable")
	if !strings.Contains(buf.String(), "readable") || strings.HasPrefix(buf.String(), "{") {
		t.Errorf("unexpected console output %q", buf.String())
	}

	if _, err := newLogger(config.Log{Level: "loud"}, &buf); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

func TestFillFields(t *testing.T) {
	ctx := context.Background()
	input := writeFile(t, "form.pdf", testpki.NewPDF(testpki.PDFOptions{FieldNames: []string{"Name"}, CheckBoxes: []string{"Accept"}}))
	output := filepath.Join(t.TempDir(), "filled.pdf")

	if out, err := run(ctx, `{"Name": "Alice", "Accept": true}`, "fill", input, output); err != nil {
		t.Fatalf("fill: %v\n%s", err, out)
	}

	out, err := run(ctx, "", "fields", output)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	var fields []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(out), &fields); err != nil {
		t.Fatalf("failed to decode fields: %v\n%s", err, out)
	}
	if len(fields) != 2 || fields[0].Value != "Alice" || fields[1].Value != "Yes" {
		t.Errorf("unexpected fields %+v", fields)
	}

	if _, err := run(ctx, `["not", "an", "object"]`, "fill", input, output); err == nil {
		t.Error("expected an error for a JSON array")
	}
	if _, err := run(ctx, `{"Missing": "x"}`, "fill", input, output); err == nil {
		t.Error("expected an error for an unknown field")
	}
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	pki := testpki.NewTestPKI(t)
	key, leaf := pki.IssueLeaf("Extract Signer")

	doc, err := sign.SignWithSigner(ctx, testpki.NewPDF(testpki.PDFOptions{}), pki.LeafChain(leaf), key, sign.Field{Name: "Form.Approval"}, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	input := writeFile(t, "signed.pdf", doc)
	dir := filepath.Join(t.TempDir(), "out")

	out, err := run(ctx, "", "extract", input, dir)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if strings.TrimSpace(out) != "01-Form.Approval.p7s" {
		t.Fatalf("unexpected output %q", out)
	}
	container, err := os.ReadFile(filepath.Join(dir, "01-Form.Approval.p7s"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pkcs7.Parse(container); err != nil {
		t.Errorf("extracted container does not parse: %v", err)
	}

	unsigned := writeFile(t, "unsigned.pdf", testpki.NewPDF(testpki.PDFOptions{}))
	if _, err := run(ctx, "", "extract", unsigned, dir); err == nil {
		t.Error("expected an error for an unsigned document")
	}
}
