package sign

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/digitorus/pdf"
)

// Annotation flags (Table 167): Print, and Print|Locked for invisible widgets.
const (
	annotFlagsVisible   = 4
	annotFlagsInvisible = 132
)

// maxFieldDepth limits recursion through /Kids of malformed forms.
const maxFieldDepth = 32

func (context *SignContext) createVisualSignature(page pdf.Value, appearanceID uint32) []byte {
	var visualSignature bytes.Buffer

	rect := context.Options.Field.Rect
	pagePtr := page.GetPtr()

	visualSignature.WriteString("<< /Type /Annot")
	visualSignature.WriteString(" /Subtype /Widget")
	fmt.Fprintf(&visualSignature, " /Rect [%s %s %s %s]", pdfNumber(rect.LLX), pdfNumber(rect.LLY), pdfNumber(rect.URX), pdfNumber(rect.URY))
	visualSignature.WriteString(" /P " + pdfReference(pagePtr.GetID(), pagePtr.GetGen()))

	if rect.IsZero() {
		fmt.Fprintf(&visualSignature, " /F %d", annotFlagsInvisible)
	} else {
		fmt.Fprintf(&visualSignature, " /F %d", annotFlagsVisible)
	}

	visualSignature.WriteString(" /FT /Sig")
	visualSignature.WriteString(" /T " + pdfString(context.Options.Field.Name))
	visualSignature.WriteString(" /Ff 0")
	visualSignature.WriteString(" /V " + pdfReference(context.signatureObjectID, 0))

	if appearanceID != 0 {
		visualSignature.WriteString(" /AP << /N " + pdfReference(appearanceID, 0) + " >>")
	}

	visualSignature.WriteString(" >>")

	return visualSignature.Bytes()
}

// writeVisualSignature adds the widget annotation (and its appearance for a
// visible signature) and a new revision of the page that references it.
func (context *SignContext) writeVisualSignature() error {
	if context.reuseField {
		return context.writeExistingSignatureField()
	}

	page := context.PDFReader.Page(context.Options.Field.Page).V
	if page.IsNull() || page.GetPtr().GetID() == 0 {
		return fmt.Errorf("%w: page %d has no object", ErrPageOutOfRange, context.Options.Field.Page)
	}

	var appearanceID uint32
	if !context.Options.Field.Rect.IsZero() {
		appearance, err := context.createAppearance(context.Options.Field.Rect)
		if err != nil {
			return fmt.Errorf("failed to create appearance: %w", err)
		}
		appearanceID, err = context.addObject(appearance)
		if err != nil {
			return fmt.Errorf("failed to add appearance object: %w", err)
		}
	}

	widgetID, err := context.addObject(context.createVisualSignature(page, appearanceID))
	if err != nil {
		return fmt.Errorf("failed to add widget object: %w", err)
	}
	context.widgetObjectID = widgetID

	return context.addAnnotToPage(page, widgetID)
}

// addAnnotToPage writes a new revision of page with widgetID appended to its /Annots.
func (context *SignContext) addAnnotToPage(page pdf.Value, widgetID uint32) error {
	var pageBuffer bytes.Buffer

	pageBuffer.WriteString("<<")
	if err := writeDictEntries(&pageBuffer, page, "Annots"); err != nil {
		return fmt.Errorf("failed to copy page dictionary: %w", err)
	}

	pageBuffer.WriteString(" /Annots [")
	if err := writeArrayElements(&pageBuffer, page.Key("Annots")); err != nil {
		return fmt.Errorf("failed to copy page annotations: %w", err)
	}
	pageBuffer.WriteString(" " + pdfReference(widgetID, 0) + "]")
	pageBuffer.WriteString(" >>")

	ptr := page.GetPtr()
	return context.updateObject(ptr.GetID(), ptr.GetGen(), pageBuffer.Bytes())
}

// existingFields returns all AcroForm fields by fully qualified name.
func (context *SignContext) existingFields() (map[string]pdf.Value, error) {
	return formFields(context.PDFReader)
}

func formFields(rdr *pdf.Reader) (map[string]pdf.Value, error) {
	fields := make(map[string]pdf.Value)

	root := rdr.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	if root.Kind() != pdf.Array {
		return fields, nil
	}

	for i := 0; i < root.Len(); i++ {
		if err := collectFields(root.Index(i), "", fields, 0); err != nil {
			return nil, err
		}
	}

	return fields, nil
}

var errFieldTreeTooDeep = errors.New("form field tree is nested too deeply")

func collectFields(field pdf.Value, parent string, fields map[string]pdf.Value, depth int) error {
	if depth > maxFieldDepth {
		return errFieldTreeTooDeep
	}
	if field.Kind() != pdf.Dict {
		return nil
	}

	name := parent
	if t := field.Key("T"); !t.IsNull() {
		if name != "" {
			name += "."
		}
		name += t.Text()
		fields[name] = field
	}

	kids := field.Key("Kids")
	for i := 0; i < kids.Len(); i++ {
		if err := collectFields(kids.Index(i), name, fields, depth+1); err != nil {
			return err
		}
	}

	return nil
}

// isEmptySignatureField reports whether field is an unsigned signature
// field merged with its widget, which a new signature can fill in place.
func isEmptySignatureField(field pdf.Value) bool {
	return field.Key("FT").Name() == "Sig" &&
		field.Key("V").IsNull() &&
		field.Key("Kids").IsNull() &&
		field.Key("P").Kind() == pdf.Dict &&
		field.GetPtr().GetID() != 0
}

// fieldRect returns the /Rect of a widget, normalised so LLX < URX and
// LLY < URY. Rectangles smaller than a point are treated as invisible.
func fieldRect(v pdf.Value) Rect {
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return Rect{}
	}
	r := Rect{
		LLX: min(v.Index(0).Float64(), v.Index(2).Float64()),
		LLY: min(v.Index(1).Float64(), v.Index(3).Float64()),
		URX: max(v.Index(0).Float64(), v.Index(2).Float64()),
		URY: max(v.Index(1).Float64(), v.Index(3).Float64()),
	}
	if r.Width() < 1 || r.Height() < 1 {
		return Rect{}
	}
	return r
}

// writeExistingSignatureField fills the empty signature field that was
// reserved under the requested name. The widget keeps its page and rectangle.
func (context *SignContext) writeExistingSignatureField() error {
	field := context.emptyField
	context.Options.Field.Rect = fieldRect(field.Key("Rect"))

	var appearanceID uint32
	if !context.Options.Field.Rect.IsZero() {
		appearance, err := context.createAppearance(context.Options.Field.Rect)
		if err != nil {
			return fmt.Errorf("failed to create appearance: %w", err)
		}
		appearanceID, err = context.addObject(appearance)
		if err != nil {
			return fmt.Errorf("failed to add appearance object: %w", err)
		}
	}

	var widget bytes.Buffer
	widget.WriteString("<<")
	if err := writeDictEntries(&widget, field, "V", "AP"); err != nil {
		return fmt.Errorf("failed to copy signature field: %w", err)
	}
	widget.WriteString(" /V " + pdfReference(context.signatureObjectID, 0))
	if appearanceID != 0 {
		widget.WriteString(" /AP << /N " + pdfReference(appearanceID, 0) + " >>")
	}
	widget.WriteString(" >>")

	ptr := field.GetPtr()
	if err := context.updateObject(ptr.GetID(), ptr.GetGen(), widget.Bytes()); err != nil {
		return err
	}
	context.widgetObjectID = ptr.GetID()

	return nil
}
