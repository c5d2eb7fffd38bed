package verify

import "errors"

// Report is the verification result of a whole document.
type Report struct {
	// Valid is set when the document has at least one signature and every
	// signature verified.
	Valid      bool          `json:"valid"`
	Document   *DocumentInfo `json:"document"`
	Signatures []Signature   `json:"signatures"`
}

// NewReport reads the document information and verifies every signature.
// A document without signatures is reported as not valid rather than as
// an error.
func NewReport(data []byte, options *Options) (*Report, error) {
	info, err := Info(data)
	if err != nil {
		return nil, err
	}

	report := &Report{Document: info, Signatures: []Signature{}}
	signatures, err := DocumentWithOptions(data, options)
	if errors.Is(err, ErrNoSignatures) {
		return report, nil
	}
	if err != nil {
		return nil, err
	}

	report.Signatures = signatures
	report.Valid = true
	for i := range signatures {
		if !signatures[i].Valid() {
			report.Valid = false
		}
	}
	return report, nil
}
