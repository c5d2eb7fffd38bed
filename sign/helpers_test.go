package sign

import (
	"crypto"
	"testing"
	"time"
)

func TestPDFString(t *testing.T) {
	tests := []struct {
		text     string
		expected string
	}{
		{"Test", "(Test)"},
		{"((Test)", "(\\(\\(Test\\))"},
		{"\\TEst", "(\\\\TEst)"},
		{"\rnew", "(\\rnew)"},
		{"line\n", "(line\\n)"},
		{"Z\u00fcrich", "<feff005a00fc0072006900630068>"},
	}

	for _, tt := range tests {
		if got := pdfString(tt.text); got != tt.expected {
			t.Errorf("Error while escaping %q. Expected %s, got %s.", tt.text, tt.expected, got)
		}
	}
}

func TestPdfDateTime(t *testing.T) {
	timezone, _ := time.LoadLocation("Europe/Tallinn")
	timezone_1, _ := time.LoadLocation("Africa/Casablanca")
	timezone_2, _ := time.LoadLocation("America/New_York")
	timezone_3, _ := time.LoadLocation("Asia/Jerusalem")
	timezone_4, _ := time.LoadLocation("Europe/Amsterdam")
	timezone_5, _ := time.LoadLocation("Pacific/Honolulu")

	now := time.Date(2017, 9, 23, 14, 39, 0, 0, timezone)
	date_compare := map[time.Time]string{
		now.In(timezone_1): "(D:20170923123900+01'00')",
		now.In(timezone_2): "(D:20170923073900-04'00')",
		now.In(timezone_3): "(D:20170923143900+03'00')",
		now.In(timezone_4): "(D:20170923133900+02'00')",
		now.In(timezone_5): "(D:20170923013900-10'00')",
		now.UTC():          "(D:20170923113900+00'00')",
	}

	for date, expected := range date_compare {
		if pdfDateTime(date) != expected {
			t.Errorf("Error while converting date %s to string. Expected %s, got %s.", date.String(), expected, pdfDateTime(date))
		}
	}
}

func TestPDFName(t *testing.T) {
	tests := []struct {
		name     string
		expected string
	}{
		{"Sig", "/Sig"},
		{"Signature 1", "/Signature#201"},
		{"a/b", "/a#2Fb"},
		{"50%", "/50#25"},
		{"(parens)", "/#28parens#29"},
	}

	for _, tt := range tests {
		if got := pdfName(tt.name); got != tt.expected {
			t.Errorf("pdfName(%q) = %q, want %q", tt.name, got, tt.expected)
		}
	}
}

func TestPDFNumberAndReference(t *testing.T) {
	if got := pdfNumber(12.5); got != "12.5" {
		t.Errorf("pdfNumber(12.5) = %q", got)
	}
	if got := pdfNumber(200); got != "200" {
		t.Errorf("pdfNumber(200) = %q", got)
	}
	if got := pdfReference(12, 0); got != "12 0 R" {
		t.Errorf("pdfReference(12, 0) = %q", got)
	}
}

func TestGetOIDFromHashAlgorithm(t *testing.T) {
	if oid := getOIDFromHashAlgorithm(crypto.SHA256); oid.String() != "2.16.840.1.101.3.4.2.1" {
		t.Errorf("unexpected SHA-256 OID %s", oid)
	}
	if oid := getOIDFromHashAlgorithm(crypto.MD5); oid != nil {
		t.Errorf("expected no OID for MD5, got %s", oid)
	}
}
