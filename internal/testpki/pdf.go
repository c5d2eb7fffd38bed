package testpki

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PDFOptions controls the documents produced by NewPDF.
type PDFOptions struct {
	// Pages is the number of pages, at least one.
	Pages int
	// XrefStream writes a cross-reference stream instead of a table.
	XrefStream bool
	// FieldNames adds text fields with these names to an AcroForm.
	FieldNames []string
	// SignatureFields adds empty signature fields with these names to the
	// last page, at SignatureRect.
	SignatureFields []string
	// CheckBoxes adds check box fields with these names.
	CheckBoxes []string
	// NoInfo omits the document information dictionary.
	NoInfo bool
}

// SignatureRect is the widget rectangle of the fields in
// PDFOptions.SignatureFields.
var SignatureRect = [4]float64{350, 72, 550, 132}

// NewPDF returns a small, valid PDF document.
func NewPDF(opts PDFOptions) []byte {
	if opts.Pages < 1 {
		opts.Pages = 1
	}

	b := &pdfBuilder{}
	b.buf.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")

	// Fixed object numbers: 1 catalog, 2 page tree, 3 font, then pages,
	// contents, fields and the info dictionary.
	const catalogID, pagesID, fontID = 1, 2, 3
	pageIDs := make([]int, opts.Pages)
	contentIDs := make([]int, opts.Pages)
	next := 4
	for i := range pageIDs {
		pageIDs[i] = next
		contentIDs[i] = next + 1
		next += 2
	}
	fieldIDs := make([]int, len(opts.FieldNames)+len(opts.CheckBoxes)+len(opts.SignatureFields))
	for i := range fieldIDs {
		fieldIDs[i] = next
		next++
	}
	infoID := 0
	if !opts.NoInfo {
		infoID = next
		next++
	}

	catalog := "<< /Type /Catalog /Pages 2 0 R"
	if len(fieldIDs) > 0 {
		catalog += " /AcroForm << /Fields ["
		for _, id := range fieldIDs {
			catalog += fmt.Sprintf(" %d 0 R", id)
		}
		catalog += " ] /DA (/Helv 0 Tf 0 g) >>"
	}
	catalog += " >>"
	b.object(catalogID, catalog)

	kids := ""
	for _, id := range pageIDs {
		kids += fmt.Sprintf(" %d 0 R", id)
	}
	b.object(pagesID, fmt.Sprintf("<< /Type /Pages /Kids [%s ] /Count %d >>", kids, opts.Pages))
	b.object(fontID, "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	for i := range pageIDs {
		page := fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R", contentIDs[i])
		var annots []int
		for j, id := range fieldIDs {
			if (j < len(opts.FieldNames)+len(opts.CheckBoxes) && i == 0) || (j >= len(opts.FieldNames)+len(opts.CheckBoxes) && i == len(pageIDs)-1) {
				annots = append(annots, id)
			}
		}
		if len(annots) > 0 {
			page += " /Annots ["
			for _, id := range annots {
				page += fmt.Sprintf(" %d 0 R", id)
			}
			page += " ]"
		}
		page += " >>"
		b.object(pageIDs[i], page)

		content := fmt.Sprintf("BT /F1 24 Tf 72 700 Td (Test page %d) Tj ET", i+1)
		b.object(contentIDs[i], fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	for i, id := range fieldIDs {
		switch {
		case i < len(opts.FieldNames):
			b.object(id, fmt.Sprintf("<< /Type /Annot /Subtype /Widget /FT /Tx /T (%s) /Rect [72 %d 272 %d] /P %d 0 R /F 4 >>", opts.FieldNames[i], 600-30*i, 620-30*i, pageIDs[0]))
		case i < len(opts.FieldNames)+len(opts.CheckBoxes):
			b.object(id, fmt.Sprintf("<< /Type /Annot /Subtype /Widget /FT /Btn /T (%s) /Rect [300 600 312 612] /P %d 0 R /F 4 /V /Off /AS /Off >>", opts.CheckBoxes[i-len(opts.FieldNames)], pageIDs[0]))
		default:
			r := SignatureRect
			b.object(id, fmt.Sprintf("<< /Type /Annot /Subtype /Widget /FT /Sig /T (%s) /Rect [%g %g %g %g] /P %d 0 R /F 4 >>", opts.SignatureFields[i-len(opts.FieldNames)-len(opts.CheckBoxes)], r[0], r[1], r[2], r[3], pageIDs[len(pageIDs)-1]))
		}
	}

	if infoID != 0 {
		b.object(infoID, "<< /Producer (signserver tests) /Title (Test document) >>")
	}

	trailer := fmt.Sprintf("/Root %d 0 R", catalogID)
	if infoID != 0 {
		trailer += fmt.Sprintf(" /Info %d 0 R", infoID)
	}
	trailer += " /ID [<0123456789abcdef0123456789abcdef> <0123456789abcdef0123456789abcdef>]"

	if opts.XrefStream {
		b.xrefStream(next, trailer)
	} else {
		b.xrefTable(next, trailer)
	}

	return b.buf.Bytes()
}

type pdfBuilder struct {
	buf     bytes.Buffer
	offsets map[int]int
}

func (b *pdfBuilder) object(id int, body string) {
	if b.offsets == nil {
		b.offsets = make(map[int]int)
	}
	b.offsets[id] = b.buf.Len()
	fmt.Fprintf(&b.buf, "%d 0 obj\n%s\nendobj\n", id, body)
}

func (b *pdfBuilder) xrefTable(size int, trailer string) {
	start := b.buf.Len()
	fmt.Fprintf(&b.buf, "xref\n0 %d\n", size)
	b.buf.WriteString("0000000000 65535 f\r\n")
	for id := 1; id < size; id++ {
		fmt.Fprintf(&b.buf, "%010d 00000 n\r\n", b.offsets[id])
	}
	fmt.Fprintf(&b.buf, "trailer\n<< /Size %d %s >>\nstartxref\n%d\n%%%%EOF\n", size, trailer, start)
}

func (b *pdfBuilder) xrefStream(id int, trailer string) {
	start := b.buf.Len()
	size := id + 1

	var data bytes.Buffer
	writeEntry := func(kind byte, offset uint32, gen uint16) {
		data.WriteByte(kind)
		_ = binary.Write(&data, binary.BigEndian, offset)
		_ = binary.Write(&data, binary.BigEndian, gen)
	}
	writeEntry(0, 0, 65535)
	for i := 1; i < id; i++ {
		writeEntry(1, uint32(b.offsets[i]), 0)
	}
	writeEntry(1, uint32(start), 0)

	fmt.Fprintf(&b.buf, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 2] %s /Length %d >>\nstream\n", id, size, trailer, data.Len())
	b.buf.Write(data.Bytes())
	fmt.Fprintf(&b.buf, "\nendstream\nendobj\nstartxref\n%d\n%%%%EOF\n", start)
}
