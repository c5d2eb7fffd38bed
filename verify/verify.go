// Package verify reads the signatures of a PDF document back and validates
// them: the covered byte ranges, the CMS signature, embedded timestamps and
// the certificate chain.
package verify

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/digitorus/pdf"

	"github.com/digitorus/signserver/extract"
)

// Document verifies every signature reachable from the AcroForm fields of
// data using DefaultOptions.
func Document(data []byte) ([]Signature, error) {
	return DocumentWithOptions(data, DefaultOptions())
}

// DocumentWithOptions verifies every signature of data. Signatures are
// returned in the order they were applied. A signature that fails to verify
// is reported in its ValidationErrors, the error return is reserved for
// documents that cannot be read or carry no signature.
func DocumentWithOptions(data []byte, options *Options) (signatures []Signature, err error) {
	defer func() {
		if r := recover(); r != nil {
			signatures = nil
			err = fmt.Errorf("failed to verify document (%v)", r)
		}
	}()

	if options == nil {
		options = DefaultOptions()
	}

	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}

	for field, err := range extract.Iter(rdr, bytes.NewReader(data), int64(len(data))) {
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, verifyField(field, data, options))
	}
	if len(signatures) == 0 {
		return nil, ErrNoSignatures
	}

	sort.SliceStable(signatures, func(i, j int) bool {
		return rangeEnd(signatures[i].ByteRange) < rangeEnd(signatures[j].ByteRange)
	})

	return signatures, nil
}

func rangeEnd(byteRange []int64) int64 {
	if len(byteRange) < 2 {
		return 0
	}
	return byteRange[len(byteRange)-2] + byteRange[len(byteRange)-1]
}
