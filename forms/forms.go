// Package forms reads AcroForm fields and keeps a library of form templates
// per owner. Templates are filled once per data set and their empty signature
// fields tell a pipeline where a document is to be signed.
package forms

import (
	"bytes"
	"fmt"

	"github.com/digitorus/pdf"

	"github.com/digitorus/signserver/sign"
)

// maxDepth limits recursion through /Kids of malformed forms.
const maxDepth = 32

// Field types reported in Field.Type.
const (
	TypeText      = "text"
	TypeButton    = "button"
	TypeChoice    = "choice"
	TypeSignature = "signature"
)

var fieldTypes = map[string]string{
	"Tx":  TypeText,
	"Btn": TypeButton,
	"Ch":  TypeChoice,
	"Sig": TypeSignature,
}

// Field represents a terminal form field in the document.
type Field struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	// Page is the 1-based page of the field's widget, 0 when unknown.
	Page int       `json:"page,omitempty"`
	Rect sign.Rect `json:"rect"`
	// Signed is set for signature fields that already hold a signature.
	Signed bool `json:"signed,omitempty"`
}

// Fields reads doc and returns its form fields.
func Fields(doc []byte) ([]Field, error) {
	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return Extract(r), nil
}

// Extract returns all form fields found in the PDF.
func Extract(r *pdf.Reader) []Field {
	if r == nil {
		return nil
	}

	fields := r.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	if fields.Kind() != pdf.Array {
		return nil
	}

	pages := pageNumbers(r)

	var result []Field
	for i := 0; i < fields.Len(); i++ {
		result = append(result, extractFieldsRec(fields.Index(i), "", "", pages, 0)...)
	}

	return result
}

// pageNumbers maps page object numbers to 1-based page numbers.
func pageNumbers(r *pdf.Reader) map[uint32]int {
	pages := make(map[uint32]int, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		if id := r.Page(i).V.GetPtr().GetID(); id != 0 {
			pages[id] = i
		}
	}
	return pages
}

func extractFieldsRec(v pdf.Value, prefix, inheritedType string, pages map[uint32]int, depth int) []Field {
	if v.Kind() != pdf.Dict || depth > maxDepth {
		return nil
	}

	name := prefix
	if t := v.Key("T"); !t.IsNull() {
		if name != "" {
			name += "."
		}
		name += t.Text()
	}

	ft := v.Key("FT").Name()
	if ft == "" {
		ft = inheritedType
	}

	// Kids with their own /T are child fields, anything else is a widget.
	kids := v.Key("Kids")
	if kids.Kind() == pdf.Array && kids.Len() > 0 && !kids.Index(0).Key("T").IsNull() {
		var result []Field
		for i := 0; i < kids.Len(); i++ {
			result = append(result, extractFieldsRec(kids.Index(i), name, ft, pages, depth+1)...)
		}
		return result
	}

	widget := v
	if kids.Kind() == pdf.Array && kids.Len() > 0 {
		widget = kids.Index(0)
	}

	field := Field{
		Name: name,
		Type: fieldTypes[ft],
		Page: pages[widget.Key("P").GetPtr().GetID()],
		Rect: rect(widget.Key("Rect")),
	}
	if field.Type == "" {
		field.Type = ft
	}

	val := v.Key("V")
	switch val.Kind() {
	case pdf.String:
		field.Value = val.Text()
	case pdf.Name:
		field.Value = val.Name()
	case pdf.Dict:
		field.Signed = field.Type == TypeSignature
	}

	return []Field{field}
}

func rect(v pdf.Value) sign.Rect {
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return sign.Rect{}
	}
	return sign.Rect{
		LLX: min(v.Index(0).Float64(), v.Index(2).Float64()),
		LLY: min(v.Index(1).Float64(), v.Index(3).Float64()),
		URX: max(v.Index(0).Float64(), v.Index(2).Float64()),
		URY: max(v.Index(1).Float64(), v.Index(3).Float64()),
	}
}

// EmptySignatureField returns the first unsigned signature field, or the
// one called name when name is set. It returns nil when there is none.
func EmptySignatureField(fields []Field, name string) *Field {
	for i, f := range fields {
		if f.Type != TypeSignature || f.Signed {
			continue
		}
		if name == "" || f.Name == name {
			return &fields[i]
		}
	}
	return nil
}
