package sign

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/digitorus/pdf"
	"github.com/mattetti/filebuffer"
)

var (
	ErrFieldNotFound   = errors.New("form field not found")
	ErrFieldValue      = errors.New("unsupported form field value")
	ErrSignatureFilled = errors.New("signature fields cannot be filled")
)

// FillForm appends an incremental update that sets the value of the named
// terminal form fields. Text fields take any string or number, check boxes
// take a bool and choice fields take a string or a list of strings. The
// AcroForm asks viewers to regenerate field appearances.
func FillForm(input []byte, values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return input, nil
	}

	rdr, err := pdf.NewReader(bytes.NewReader(input), int64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	context := &SignContext{
		input:     input,
		PDFReader: rdr,
	}
	if err := context.fillForm(values); err != nil {
		return nil, err
	}
	return context.Output.Buff.Bytes(), nil
}

func (context *SignContext) fillForm(values map[string]any) error {
	if !context.PDFReader.Trailer().Key("Encrypt").IsNull() {
		return ErrEncrypted
	}
	switch context.PDFReader.XrefInformation.Type {
	case "table", "stream":
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedXref, context.PDFReader.XrefInformation.Type)
	}

	fields, err := context.existingFields()
	if err != nil {
		return err
	}

	context.lastXrefID = context.lastObjectID()
	context.Output = filebuffer.New(nil)
	if _, err := context.Output.Write(context.input); err != nil {
		return err
	}
	if len(context.input) > 0 && context.input[len(context.input)-1] != '\n' {
		if _, err := context.Output.Write([]byte("\n")); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		field, ok := fields[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrFieldNotFound, name)
		}
		object, err := filledField(field, values[name])
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		ptr := field.GetPtr()
		if ptr.GetID() == 0 {
			return fmt.Errorf("field %s: not an indirect object", name)
		}
		if err := context.updateObject(ptr.GetID(), ptr.GetGen(), object); err != nil {
			return err
		}
	}

	if err := context.writeFormCatalog(); err != nil {
		return fmt.Errorf("failed to add catalog: %w", err)
	}
	if err := context.writeXref(); err != nil {
		return fmt.Errorf("failed to write xref: %w", err)
	}
	if err := context.writeTrailer(); err != nil {
		return fmt.Errorf("failed to write trailer: %w", err)
	}
	return nil
}

// fieldType returns /FT, which may be inherited from a parent field.
func fieldType(field pdf.Value) string {
	for depth := 0; depth <= maxFieldDepth && field.Kind() == pdf.Dict; depth++ {
		if ft := field.Key("FT").Name(); ft != "" {
			return ft
		}
		field = field.Key("Parent")
	}
	return ""
}

// filledField returns a new revision of field carrying value as /V.
func filledField(field pdf.Value, value any) ([]byte, error) {
	encoded, err := encodeFieldValue(field, value)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("<<")
	skip := []string{"V"}
	if fieldType(field) == "Btn" {
		// The appearance state follows the value of a check box.
		skip = append(skip, "AS")
	} else {
		skip = append(skip, "AP")
	}
	if err := writeDictEntries(&buf, field, skip...); err != nil {
		return nil, err
	}
	buf.WriteString(" /V " + encoded)
	if fieldType(field) == "Btn" {
		buf.WriteString(" /AS " + encoded)
	}
	buf.WriteString(" >>")
	return buf.Bytes(), nil
}

func encodeFieldValue(field pdf.Value, value any) (string, error) {
	switch fieldType(field) {
	case "Sig":
		return "", ErrSignatureFilled
	case "Btn":
		on, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("%w: check box expects a bool, got %T", ErrFieldValue, value)
		}
		if !on {
			return pdfName("Off"), nil
		}
		return pdfName(onState(field)), nil
	case "Ch":
		if list, ok := value.([]any); ok {
			var b bytes.Buffer
			b.WriteString("[")
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return "", fmt.Errorf("%w: choice expects strings, got %T", ErrFieldValue, item)
				}
				if i > 0 {
					b.WriteString(" ")
				}
				b.WriteString(pdfString(s))
			}
			b.WriteString("]")
			return b.String(), nil
		}
	}

	switch v := value.(type) {
	case string:
		return pdfString(v), nil
	case float64:
		return pdfString(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case int:
		return pdfString(strconv.Itoa(v)), nil
	case int64:
		return pdfString(strconv.FormatInt(v, 10)), nil
	case bool:
		return pdfString(strconv.FormatBool(v)), nil
	case nil:
		return pdfString(""), nil
	}
	return "", fmt.Errorf("%w: %T", ErrFieldValue, value)
}

// onState returns the name of the "on" appearance of a check box, Yes when
// the widget does not define one.
func onState(field pdf.Value) string {
	normal := field.Key("AP").Key("N")
	for _, key := range normal.Keys() {
		if key != "Off" {
			return key
		}
	}
	return "Yes"
}

// writeFormCatalog writes a new catalog revision with /NeedAppearances set.
func (context *SignContext) writeFormCatalog() error {
	root := context.PDFReader.Trailer().Key("Root")
	ptr := root.GetPtr()
	if root.IsNull() || ptr.GetID() == 0 {
		return errMissingRoot
	}

	var catalog bytes.Buffer
	catalog.WriteString("<<")
	if err := writeDictEntries(&catalog, root, "AcroForm"); err != nil {
		return fmt.Errorf("failed to copy catalog: %w", err)
	}
	catalog.WriteString(" /AcroForm <<")
	if err := writeDictEntries(&catalog, root.Key("AcroForm"), "NeedAppearances"); err != nil {
		return fmt.Errorf("failed to copy form: %w", err)
	}
	catalog.WriteString(" /NeedAppearances true >> >>")

	if err := context.updateObject(ptr.GetID(), ptr.GetGen(), catalog.Bytes()); err != nil {
		return err
	}
	context.catalogObjectID = ptr.GetID()
	return nil
}
