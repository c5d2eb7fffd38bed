package flow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/signing"
)

// OperationKind is the closed set of steps a flow can run.
type OperationKind string

const (
	KindPDFA       OperationKind = "pdfa"
	KindAttachment OperationKind = "attachment"
	KindTimestamp  OperationKind = "timestamp"
	KindSignPFX    OperationKind = "sign-pfx"
	KindPresign    OperationKind = "presign"
)

// Valid reports whether k is a known operation.
func (k OperationKind) Valid() bool {
	switch k {
	case KindPDFA, KindAttachment, KindTimestamp, KindSignPFX, KindPresign:
		return true
	}
	return false
}

// Finalizing reports whether the step signs the document, after which no
// other step may change it.
func (k OperationKind) Finalizing() bool {
	return k == KindTimestamp || k == KindSignPFX || k == KindPresign
}

// Rect is a widget rectangle given by its origin and size.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FieldParams describe the signature field a signing step creates.
type FieldParams struct {
	FieldName string `json:"field_name,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Location  string `json:"location,omitempty"`
	Page      int    `json:"sign_page_number,omitempty"`
	Rect      *Rect  `json:"sign_rect,omitempty"`
	// Image is drawn into a visible widget.
	Image []byte `json:"sign_image_content,omitempty"`
}

func (p FieldParams) field() sign.Field {
	f := sign.Field{
		Name:     p.FieldName,
		Page:     p.Page,
		Reason:   p.Reason,
		Location: p.Location,
		Image:    p.Image,
	}
	if p.Rect != nil {
		f.Rect = sign.RectFromSize(p.Rect.X, p.Rect.Y, p.Rect.Width, p.Rect.Height)
	}
	return f
}

type PDFAParams struct {
	Conformance string `json:"conformance,omitempty"`
}

type AttachmentParams struct {
	FileName    string `json:"file_name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
	Content     []byte `json:"attachment_content"`
}

type TimestampParams struct {
	FieldParams
	TSA *signing.TSAConfig `json:"tsa,omitempty"`
}

type SignPFXParams struct {
	FieldParams
	Bundle            []byte             `json:"pfx_content"`
	Password          string             `json:"pfx_password"`
	TSA               *signing.TSAConfig `json:"tsa,omitempty"`
	TimestampOptional bool               `json:"timestamp_optional,omitempty"`
}

type PresignParams struct {
	FieldParams
	CertificatePEM    string             `json:"certificate_pem"`
	TSA               *signing.TSAConfig `json:"tsa,omitempty"`
	TimestampOptional bool               `json:"timestamp_optional,omitempty"`
	// TemplateID looks up the signature field of a template.
	TemplateID string `json:"template_id,omitempty"`
}

// Operation is one step of a flow. Exactly the payload matching Kind is
// set.
type Operation struct {
	Kind OperationKind

	PDFA       *PDFAParams
	Attachment *AttachmentParams
	Timestamp  *TimestampParams
	SignPFX    *SignPFXParams
	Presign    *PresignParams
}

type wireOperation struct {
	Action OperationKind   `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (o Operation) payload() any {
	switch o.Kind {
	case KindPDFA:
		return o.PDFA
	case KindAttachment:
		return o.Attachment
	case KindTimestamp:
		return o.Timestamp
	case KindSignPFX:
		return o.SignPFX
	case KindPresign:
		return o.Presign
	}
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(o.payload())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireOperation{Action: o.Kind, Data: data})
}

func (o *Operation) UnmarshalJSON(b []byte) error {
	var w wireOperation
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	kind := OperationKind(strings.ToLower(strings.TrimSpace(string(w.Action))))
	if !kind.Valid() {
		return fmt.Errorf("unsupported flow action %q", w.Action)
	}

	data := bytes.TrimSpace(w.Data)
	empty := len(data) == 0 || bytes.Equal(data, []byte("null"))
	if empty {
		data = []byte("{}")
	}

	op := Operation{Kind: kind}
	var target any
	switch kind {
	case KindPDFA:
		op.PDFA = &PDFAParams{}
		target = op.PDFA
	case KindAttachment:
		op.Attachment = &AttachmentParams{}
		target = op.Attachment
	case KindTimestamp:
		op.Timestamp = &TimestampParams{}
		target = op.Timestamp
	case KindSignPFX:
		op.SignPFX = &SignPFXParams{}
		target = op.SignPFX
	case KindPresign:
		op.Presign = &PresignParams{}
		target = op.Presign
	}

	if empty && kind != KindPDFA && kind != KindTimestamp {
		return fmt.Errorf("flow action %q requires data", kind)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("flow action %q: %w", kind, err)
	}

	*o = op
	return nil
}

// Validate checks that the payload matches the kind and carries what the
// step needs. pdfa and timestamp steps may omit their payload.
func (o Operation) Validate() error {
	if !o.Kind.Valid() {
		return fmt.Errorf("unsupported flow action %q", o.Kind)
	}

	set := 0
	for _, p := range []bool{o.PDFA != nil, o.Attachment != nil, o.Timestamp != nil, o.SignPFX != nil, o.Presign != nil} {
		if p {
			set++
		}
	}
	optional := o.Kind == KindPDFA || o.Kind == KindTimestamp
	if set > 1 || (set == 1 && isNil(o.payload())) || (set == 0 && !optional) {
		return fmt.Errorf("flow action %q has a missing or mismatched payload", o.Kind)
	}

	switch o.Kind {
	case KindAttachment:
		if o.Attachment.FileName == "" || len(o.Attachment.Content) == 0 {
			return errors.New("attachment requires a file name and content")
		}
	case KindSignPFX:
		if len(o.SignPFX.Bundle) == 0 {
			return errors.New("sign-pfx requires a PFX bundle")
		}
	case KindPresign:
		if strings.TrimSpace(o.Presign.CertificatePEM) == "" {
			return errors.New("presign requires a certificate chain")
		}
	}
	return nil
}

func isNil(p any) bool {
	switch v := p.(type) {
	case *PDFAParams:
		return v == nil
	case *AttachmentParams:
		return v == nil
	case *TimestampParams:
		return v == nil
	case *SignPFXParams:
		return v == nil
	case *PresignParams:
		return v == nil
	}
	return true
}

// ValidateOperations checks every step and that a finalizing step, if any,
// comes last.
func ValidateOperations(ops []Operation) error {
	const op = "start"

	if len(ops) == 0 {
		return signing.E(op, signing.UnsupportedOperation, "flow has no operations")
	}
	for i, o := range ops {
		if err := o.Validate(); err != nil {
			return signing.E(op, signing.InvalidInput, fmt.Errorf("step %d: %w", i+1, err))
		}
		if o.Kind.Finalizing() && i != len(ops)-1 {
			return signing.E(op, signing.UnsupportedOperation, fmt.Sprintf("%s must be the last step in the flow", o.Kind))
		}
	}
	return nil
}

// redact drops key material once a run no longer needs it.
func (o *Operation) redact() {
	if o.SignPFX != nil {
		o.SignPFX.Bundle = nil
		o.SignPFX.Password = ""
	}
	if cfg := o.tsa(); cfg != nil {
		cfg.Password = ""
	}
}

func (o *Operation) tsa() *signing.TSAConfig {
	switch {
	case o.Timestamp != nil:
		return o.Timestamp.TSA
	case o.SignPFX != nil:
		return o.SignPFX.TSA
	case o.Presign != nil:
		return o.Presign.TSA
	}
	return nil
}
