package sign

import (
	"bytes"
	"fmt"
	"strconv"
)

func (context *SignContext) writeTrailer() error {
	var trailer bytes.Buffer

	if context.PDFReader.XrefInformation.Type == "table" {
		trailer.WriteString("trailer\n")
		trailer.WriteString("<<\n")
		fmt.Fprintf(&trailer, "  /Size %d\n", context.xrefSize(context.xrefEntries()))
		fmt.Fprintf(&trailer, "  /Prev %d\n", context.PDFReader.XrefInformation.StartPos)
		if err := context.writeTrailerReferences(&trailer); err != nil {
			return err
		}
		trailer.WriteString(">>\n")
	}

	trailer.WriteString("startxref\n")
	trailer.WriteString(strconv.FormatInt(context.newXrefStart, 10) + "\n")
	trailer.WriteString("%%EOF\n")

	_, err := context.Output.Write(trailer.Bytes())
	return err
}

// writeTrailerReferences writes the /Root, /Info and /ID entries shared by the
// trailer dictionary and the xref stream dictionary.
func (context *SignContext) writeTrailerReferences(buffer *bytes.Buffer) error {
	fmt.Fprintf(buffer, "  /Root %s\n", pdfReference(context.catalogObjectID, context.PDFReader.Trailer().Key("Root").GetPtr().GetGen()))

	trailer := context.PDFReader.Trailer()
	if info := trailer.Key("Info"); !info.IsNull() {
		buffer.WriteString("  /Info ")
		ptr := trailer.GetPtr()
		if err := writeValue(buffer, info, ptr.GetID(), ptr.GetGen()); err != nil {
			return fmt.Errorf("failed to copy /Info: %w", err)
		}
		buffer.WriteString("\n")
	}

	if id := trailer.Key("ID"); id.Len() == 2 {
		fmt.Fprintf(buffer, "  /ID [%s %s]\n", pdfHexString([]byte(id.Index(0).RawString())), pdfHexString([]byte(id.Index(1).RawString())))
	}

	return nil
}
