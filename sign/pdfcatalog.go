package sign

import (
	"bytes"
	"errors"
	"fmt"
)

var errMissingRoot = errors.New("document has no catalog")

// createCatalog returns a new revision of the document catalog that keeps all
// of its entries and carries an /AcroForm listing the new signature field.
func (context *SignContext) createCatalog() ([]byte, error) {
	root := context.PDFReader.Trailer().Key("Root")
	if root.IsNull() {
		return nil, errMissingRoot
	}

	var catalogBuffer bytes.Buffer

	catalogBuffer.WriteString("<<")
	if err := writeDictEntries(&catalogBuffer, root, "AcroForm"); err != nil {
		return nil, fmt.Errorf("failed to copy catalog: %w", err)
	}

	acroForm := root.Key("AcroForm")

	catalogBuffer.WriteString(" /AcroForm <<")
	if !acroForm.IsNull() {
		if err := writeDictEntries(&catalogBuffer, acroForm, "Fields", "SigFlags"); err != nil {
			return nil, fmt.Errorf("failed to copy form: %w", err)
		}
	}

	catalogBuffer.WriteString(" /Fields [")
	if err := writeArrayElements(&catalogBuffer, acroForm.Key("Fields")); err != nil {
		return nil, fmt.Errorf("failed to copy form fields: %w", err)
	}
	if !context.reuseField {
		catalogBuffer.WriteString(" " + pdfReference(context.widgetObjectID, 0))
	}
	catalogBuffer.WriteString("]")

	// Signature flags (Table 225): SignaturesExist | AppendOnly.
	catalogBuffer.WriteString(" /SigFlags 3")
	catalogBuffer.WriteString(" >>")

	catalogBuffer.WriteString(" >>")

	return catalogBuffer.Bytes(), nil
}

func (context *SignContext) writeCatalog() error {
	catalog, err := context.createCatalog()
	if err != nil {
		return err
	}

	ptr := context.PDFReader.Trailer().Key("Root").GetPtr()
	if ptr.GetID() == 0 {
		return errMissingRoot
	}

	if err := context.updateObject(ptr.GetID(), ptr.GetGen(), catalog); err != nil {
		return err
	}
	context.catalogObjectID = ptr.GetID()

	return nil
}
