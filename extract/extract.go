// Package extract finds the signature dictionaries of a PDF document and
// gives access to their CMS containers and the bytes they cover.
package extract

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"iter"

	pdflib "github.com/digitorus/pdf"
)

const maxFieldDepth = 32

var (
	ErrFieldTreeTooDeep = errors.New("form field tree is too deep")
	ErrInvalidByteRange = errors.New("invalid ByteRange")
)

// Signature represents a signature dictionary in the PDF.
type Signature struct {
	// Field is the fully qualified name of the signature field.
	Field string
	Obj   pdflib.Value
	File  io.ReaderAt
	// Size is the length of File in bytes.
	Size int64
}

// Object returns the underlying low-level PDF value for the signature dictionary.
func (s *Signature) Object() pdflib.Value {
	return s.Obj
}

// Name returns the name of the person or authority signing the document.
func (s *Signature) Name() string {
	return s.Obj.Key("Name").Text()
}

// Filter returns the name of the preferred signature handler.
func (s *Signature) Filter() string {
	return s.Obj.Key("Filter").Name()
}

// SubFilter returns the encoding format of the signature.
func (s *Signature) SubFilter() string {
	return s.Obj.Key("SubFilter").Name()
}

// Contents returns the raw /Contents string, the CMS container followed by
// the zero padding of the reserved placeholder.
func (s *Signature) Contents() []byte {
	return []byte(s.Obj.Key("Contents").RawString())
}

// Container returns Contents without the trailing padding. Contents that
// do not start with a DER element are returned unchanged.
func (s *Signature) Container() []byte {
	contents := s.Contents()
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(contents, &raw)
	if err != nil {
		return contents
	}
	return contents[:len(contents)-len(rest)]
}

// ByteRange returns the array of byte offsets that define the range(s) of the file covered by the signature.
func (s *Signature) ByteRange() []int64 {
	br := s.Obj.Key("ByteRange")
	if br.IsNull() || br.Len() == 0 {
		return nil
	}

	ranges := make([]int64, 0, br.Len())
	for i := 0; i < br.Len(); i++ {
		ranges = append(ranges, br.Index(i).Int64())
	}
	return ranges
}

// SignedData returns a reader over the bytes of the document covered by the
// signature. Ranges outside of the file are rejected.
func (s *Signature) SignedData() (io.Reader, error) {
	ranges := s.ByteRange()
	if len(ranges) == 0 || len(ranges)%2 != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidByteRange, len(ranges))
	}
	for i := 0; i < len(ranges); i += 2 {
		offset, length := ranges[i], ranges[i+1]
		if offset < 0 || length < 0 || offset+length > s.Size {
			return nil, fmt.Errorf("%w: range %d+%d outside of file", ErrInvalidByteRange, offset, length)
		}
	}

	return &ByteRangeReader{
		File:   s.File,
		Ranges: ranges,
	}, nil
}

// Iter returns an iterator over all signature dictionaries reachable from
// the AcroForm fields. The field type is inherited by kids. A form without
// /SigFlags holds no signatures.
func Iter(rdr *pdflib.Reader, file io.ReaderAt, size int64) iter.Seq2[*Signature, error] {
	return func(yield func(*Signature, error) bool) {
		acroForm := rdr.Trailer().Key("Root").Key("AcroForm")
		if acroForm.Key("SigFlags").IsNull() {
			return
		}

		var traverse func(arr pdflib.Value, prefix, inheritedType string, depth int) bool
		traverse = func(arr pdflib.Value, prefix, inheritedType string, depth int) bool {
			if depth > maxFieldDepth {
				yield(nil, ErrFieldTreeTooDeep)
				return false
			}

			for i := 0; i < arr.Len(); i++ {
				field := arr.Index(i)

				name := prefix
				if t := field.Key("T").Text(); t != "" {
					if name != "" {
						name += "."
					}
					name += t
				}

				fieldType := inheritedType
				if ft := field.Key("FT").Name(); ft != "" {
					fieldType = ft
				}

				if v := field.Key("V"); fieldType == "Sig" && v.Kind() == pdflib.Dict {
					sig := &Signature{Field: name, Obj: v, File: file, Size: size}
					if !yield(sig, nil) {
						return false
					}
				}

				if kids := field.Key("Kids"); kids.Kind() == pdflib.Array {
					if !traverse(kids, name, fieldType, depth+1) {
						return false
					}
				}
			}
			return true
		}

		traverse(acroForm.Key("Fields"), "", "", 0)
	}
}

// ByteRangeReader implements io.Reader to look like a continuous stream
// over the non-contiguous byte ranges.
type ByteRangeReader struct {
	File      io.ReaderAt
	Ranges    []int64
	rangeIdx  int
	readInCur int64
}

func (r *ByteRangeReader) Read(p []byte) (n int, err error) {
	if r.rangeIdx >= len(r.Ranges) {
		return 0, io.EOF
	}

	totalRead := 0
	for totalRead < len(p) && r.rangeIdx < len(r.Ranges) {
		start := r.Ranges[r.rangeIdx]
		length := r.Ranges[r.rangeIdx+1]

		remaining := length - r.readInCur
		if remaining <= 0 {
			r.rangeIdx += 2
			r.readInCur = 0
			continue
		}

		toRead := min(int64(len(p)-totalRead), remaining)

		bytesRead, readErr := r.File.ReadAt(p[totalRead:totalRead+int(toRead)], start+r.readInCur)
		if bytesRead > 0 {
			totalRead += bytesRead
			r.readInCur += int64(bytesRead)
		}
		if readErr != nil {
			if readErr == io.EOF && r.readInCur == length {
				r.rangeIdx += 2
				r.readInCur = 0
				continue
			}
			return totalRead, readErr
		}
	}

	if totalRead == 0 && r.rangeIdx >= len(r.Ranges) {
		return 0, io.EOF
	}

	return totalRead, nil
}
