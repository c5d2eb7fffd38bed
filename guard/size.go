// Package guard rejects oversized payloads and bounds the number of
// concurrent requests per caller before any expensive work starts.
package guard

import (
	"errors"
	"fmt"
	"strings"
)

var ErrTooLarge = errors.New("payload too large")

// Kind names the payload a size limit applies to.
type Kind string

const (
	PDF        Kind = "pdf"
	Image      Kind = "image"
	Attachment Kind = "attachment"
	Body       Kind = "body"
)

// Default limits in bytes.
const (
	DefaultPDFMaxBytes        = 20 << 20
	DefaultImageMaxBytes      = 1 << 20
	DefaultAttachmentMaxBytes = 10 << 20
	DefaultBodyMaxBytes       = 40 << 20
)

// SizeGuard holds the maximum decoded size per payload kind. A zero limit
// disables the check for that kind.
type SizeGuard struct {
	PDF        int64 `mapstructure:"pdf_bytes"`
	Image      int64 `mapstructure:"image_bytes"`
	Attachment int64 `mapstructure:"attachment_bytes"`
	Body       int64 `mapstructure:"body_bytes"`
}

func DefaultSizeGuard() SizeGuard {
	return SizeGuard{
		PDF:        DefaultPDFMaxBytes,
		Image:      DefaultImageMaxBytes,
		Attachment: DefaultAttachmentMaxBytes,
		Body:       DefaultBodyMaxBytes,
	}
}

func (g SizeGuard) limit(kind Kind) int64 {
	switch kind {
	case PDF:
		return g.PDF
	case Image:
		return g.Image
	case Attachment:
		return g.Attachment
	case Body:
		return g.Body
	}
	return 0
}

// Check returns ErrTooLarge when n bytes exceed the limit for kind.
func (g SizeGuard) Check(kind Kind, n int64) error {
	limit := g.limit(kind)
	if limit > 0 && n > limit {
		return fmt.Errorf("%w: %s exceeds the allowed size of %s", ErrTooLarge, kind, formatBytes(limit))
	}
	return nil
}

// CheckBase64 checks the decoded size of a base64 payload without decoding
// it. Empty payloads always pass.
func (g SizeGuard) CheckBase64(kind Kind, s string) error {
	return g.Check(kind, Base64Size(s))
}

// Base64Size returns the decoded length of a padded base64 string.
func Base64Size(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	padding := int64(0)
	switch {
	case strings.HasSuffix(s, "=="):
		padding = 2
	case strings.HasSuffix(s, "="):
		padding = 1
	}
	return int64(len(s))*3/4 - padding
}

func formatBytes(n int64) string {
	const mib = 1 << 20
	if n >= mib && n%mib == 0 {
		return fmt.Sprintf("%d MB", n/mib)
	}
	return fmt.Sprintf("%d bytes", n)
}
