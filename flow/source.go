package flow

import (
	"context"

	"github.com/digitorus/signserver/sign"
)

// Source is the document set a flow starts from: literal documents or the
// output of a template fill.
type Source struct {
	Documents [][]byte      `json:"pdf_contents,omitempty"`
	Template  *TemplateSpec `json:"fill_pdf,omitempty"`
}

func (s *Source) empty() bool {
	return s == nil || (len(s.Documents) == 0 && s.Template == nil)
}

// TemplateSpec fills a template once per data set.
type TemplateSpec struct {
	TemplateID string           `json:"template_id"`
	DataSets   []map[string]any `json:"data_sets"`
}

// TemplateFiller produces documents from a stored template.
type TemplateFiller interface {
	Fill(ctx context.Context, templateID, owner string, dataSets []map[string]any) ([][]byte, error)
}

// TemplateField is a signature field defined on a template.
type TemplateField struct {
	Name string
	Page int
	Rect sign.Rect
}

// SignatureFieldLocator finds the signature field of a template, matching
// fieldName when set. It returns nil when the template has none.
type SignatureFieldLocator interface {
	SignatureField(ctx context.Context, templateID, owner, fieldName string) (*TemplateField, error)
}
