package sign

import (
	"context"
	"time"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
)

//go:generate stringer -type=CertType
type CertType uint

const (
	ApprovalSignature CertType = iota + 1
	TimeStampSignature
)

// Rect is a rectangle in default user space units, lower-left and upper-right corners.
type Rect struct {
	LLX float64 `json:"x1"`
	LLY float64 `json:"y1"`
	URX float64 `json:"x2"`
	URY float64 `json:"y2"`
}

// RectFromSize builds a Rect from an origin and a width and height.
func RectFromSize(x, y, width, height float64) Rect {
	return Rect{LLX: x, LLY: y, URX: x + width, URY: y + height}
}

func (r Rect) IsZero() bool {
	return r == Rect{}
}

func (r Rect) Width() float64  { return r.URX - r.LLX }
func (r Rect) Height() float64 { return r.URY - r.LLY }

// Field describes the signature field that is reserved in the document.
type Field struct {
	// Name is the fully qualified field name, generated when empty.
	Name string
	// Page is the 1-based page the widget is attached to.
	Page int
	// Rect is the widget rectangle, a zero Rect creates an invisible signature.
	Rect Rect

	SignerName  string
	Reason      string
	Location    string
	ContactInfo string
	Date        time.Time

	// Image is an optional picture drawn into a visible widget.
	Image []byte
}

// PrepareOptions controls the incremental update written by Prepare.
type PrepareOptions struct {
	Type  CertType
	Field Field
	// ContentsSize is the capacity of the /Contents placeholder in bytes
	// (the hex string in the file is twice as long).
	ContentsSize int
}

// Prepared is a document with a reserved, still empty, signature placeholder.
type Prepared struct {
	Document  []byte
	ByteRange [4]int64
	FieldName string
}

// TimestampFunc returns a DER encoded RFC 3161 TimeStampToken over data.
type TimestampFunc func(ctx context.Context, data []byte) ([]byte, error)

type xrefEntry struct {
	ID         uint32
	Generation uint16
	Offset     int64
}

// SignContext holds the state of a single incremental update.
type SignContext struct {
	input     []byte
	PDFReader *pdf.Reader
	Output    *filebuffer.Buffer
	Options   PrepareOptions

	lastXrefID         uint32
	newXrefEntries     []xrefEntry
	updatedXrefEntries []xrefEntry

	// emptyField is the unsigned signature field filled by this update
	// when reuseField is set.
	emptyField pdf.Value
	reuseField bool

	signatureObjectID uint32
	widgetObjectID    uint32
	catalogObjectID   uint32

	byteRangeStart int64
	contentsStart  int64
	newXrefStart   int64
	byteRange      [4]int64
}
