package sign

import (
	"crypto"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// pdfString encodes text as a PDF text string literal, UTF-16BE with a byte
// order mark when the text is not plain ASCII.
func pdfString(text string) string {
	if !isASCII(text) {
		enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
		res, _, err := transform.String(enc, text)
		if err == nil {
			return pdfHexString([]byte(res))
		}
	}

	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, ")", "\\)")
	text = strings.ReplaceAll(text, "(", "\\(")
	text = strings.ReplaceAll(text, "\r", "\\r")
	text = strings.ReplaceAll(text, "\n", "\\n")
	return "(" + text + ")"
}

func pdfHexString(b []byte) string {
	return "<" + hex.EncodeToString(b) + ">"
}

// pdfDateTime formats date as a PDF date string, D:YYYYMMDDHHmmSS+HH'mm'.
func pdfDateTime(date time.Time) string {
	_, offset := date.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}

	dateString := "D:" + date.Format("20060102150405") + sign +
		fmt.Sprintf("%02d'%02d'", offset/3600, (offset%3600)/60)

	return pdfString(dateString)
}

// pdfName encodes a name object, escaping delimiters and non-regular
// characters as #xx.
func pdfName(name string) string {
	var b strings.Builder
	b.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < '!' || c > '~' || strings.IndexByte("#()<>[]{}/%", c) >= 0 {
			fmt.Fprintf(&b, "#%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func pdfNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func pdfReference(id uint32, gen uint16) string {
	return strconv.FormatUint(uint64(id), 10) + " " + strconv.FormatUint(uint64(gen), 10) + " R"
}

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   asn1.ObjectIdentifier([]int{1, 3, 14, 3, 2, 26}),
	crypto.SHA256: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 1}),
	crypto.SHA384: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 2}),
	crypto.SHA512: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 3}),
}

func getOIDFromHashAlgorithm(target crypto.Hash) asn1.ObjectIdentifier {
	return hashOIDs[target]
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > '\u007F' {
			return false
		}
	}
	return true
}
