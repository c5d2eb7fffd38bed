package forms

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/asaskevich/govalidator"

	"github.com/digitorus/signserver/flow"
	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/store"
)

var (
	ErrInvalidTemplateID = errors.New("template id must be 1 to 64 letters, digits, '-' or '_'")
	ErrNoSignatureField  = errors.New("template has no such empty signature field")
)

const templateIDPattern = `^[A-Za-z0-9_-]{1,64}$`

// Library stores form templates per owner. It fills templates for flows and
// locates their signature fields.
type Library struct {
	storage store.Storage
	prefix  string
}

var (
	_ flow.TemplateFiller        = (*Library)(nil)
	_ flow.SignatureFieldLocator = (*Library)(nil)
)

// NewLibrary keeps templates under templates/ in s.
func NewLibrary(s store.Storage) *Library {
	return &Library{storage: s, prefix: "templates/"}
}

func (l *Library) ownerPrefix(owner string) string {
	if owner == "" {
		owner = "_"
	}
	return l.prefix + url.PathEscape(owner) + "/"
}

func (l *Library) key(owner, id string) (string, error) {
	if !govalidator.Matches(id, templateIDPattern) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTemplateID, id)
	}
	return l.ownerPrefix(owner) + id + ".pdf", nil
}

// Put stores doc as template id of owner, replacing an existing version,
// and returns its form fields.
func (l *Library) Put(ctx context.Context, owner, id string, doc []byte) ([]Field, error) {
	key, err := l.key(owner, id)
	if err != nil {
		return nil, err
	}
	fields, err := Fields(doc)
	if err != nil {
		return nil, err
	}
	if err := l.storage.Put(ctx, key, doc); err != nil {
		return nil, err
	}
	return fields, nil
}

// Get returns the template document, store.ErrNotFound when unknown.
func (l *Library) Get(ctx context.Context, owner, id string) ([]byte, error) {
	key, err := l.key(owner, id)
	if err != nil {
		return nil, err
	}
	return l.storage.Get(ctx, key)
}

// Delete removes a template. Deleting an unknown template is not an error.
func (l *Library) Delete(ctx context.Context, owner, id string) error {
	key, err := l.key(owner, id)
	if err != nil {
		return err
	}
	return l.storage.Delete(ctx, key)
}

// List returns the template ids of owner in lexical order.
func (l *Library) List(ctx context.Context, owner string) ([]string, error) {
	prefix := l.ownerPrefix(owner)
	keys, err := l.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, prefix)
		if strings.Contains(id, "/") || !strings.HasSuffix(id, ".pdf") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(id, ".pdf"))
	}
	return ids, nil
}

// Fields returns the form fields of a stored template.
func (l *Library) Fields(ctx context.Context, owner, id string) ([]Field, error) {
	doc, err := l.Get(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	return Fields(doc)
}

// Fill produces one document per data set, each the template with the data
// set's values written into the form fields. Without data sets the template
// itself is returned.
func (l *Library) Fill(ctx context.Context, templateID, owner string, dataSets []map[string]any) ([][]byte, error) {
	doc, err := l.Get(ctx, owner, templateID)
	if err != nil {
		return nil, err
	}
	if len(dataSets) == 0 {
		return [][]byte{doc}, nil
	}

	docs := make([][]byte, 0, len(dataSets))
	for i, data := range dataSets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		filled, err := sign.FillForm(doc, data)
		if err != nil {
			return nil, fmt.Errorf("data set %d: %w", i+1, err)
		}
		docs = append(docs, filled)
	}
	return docs, nil
}

// SignatureField returns the empty signature field of the template, the
// one called fieldName when it is set.
func (l *Library) SignatureField(ctx context.Context, templateID, owner, fieldName string) (*flow.TemplateField, error) {
	fields, err := l.Fields(ctx, owner, templateID)
	if err != nil {
		return nil, err
	}

	f := EmptySignatureField(fields, fieldName)
	if f == nil {
		if fieldName != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoSignatureField, fieldName)
		}
		return nil, nil
	}
	return &flow.TemplateField{Name: f.Name, Page: f.Page, Rect: f.Rect}, nil
}
