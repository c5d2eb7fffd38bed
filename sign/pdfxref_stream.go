package sign

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
)

// writeXrefStream writes the cross-reference stream to the output buffer. The
// stream is itself a new object and lists its own offset.
func (context *SignContext) writeXrefStream() error {
	self := xrefEntry{
		ID:     context.lastXrefID + uint32(len(context.newXrefEntries)) + 1,
		Offset: context.newXrefStart,
	}
	entries := context.xrefEntries(self)

	var data bytes.Buffer
	for _, entry := range entries {
		writeXrefStreamLine(&data, 1, entry.Offset, entry.Generation)
	}

	streamBytes, err := encodeXrefStream(data.Bytes())
	if err != nil {
		return fmt.Errorf("failed to encode xref stream: %w", err)
	}

	var xrefStreamObject bytes.Buffer
	if err := context.writeXrefStreamHeader(&xrefStreamObject, entries, len(streamBytes)); err != nil {
		return fmt.Errorf("failed to write xref stream header: %w", err)
	}
	writeBufferStream(&xrefStreamObject, streamBytes)

	id, err := context.addObject(xrefStreamObject.Bytes())
	if err != nil {
		return fmt.Errorf("failed to add xref stream object: %w", err)
	}
	if id != self.ID {
		return fmt.Errorf("xref stream object number %d does not match reserved %d", id, self.ID)
	}

	return nil
}

func encodeXrefStream(data []byte) ([]byte, error) {
	var b bytes.Buffer
	w := zlib.NewWriter(&b)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func (context *SignContext) writeXrefStreamHeader(buffer *bytes.Buffer, entries []xrefEntry, streamLength int) error {
	buffer.WriteString("<< /Type /XRef\n")
	fmt.Fprintf(buffer, "  /Length %d\n", streamLength)
	buffer.WriteString("  /Filter /FlateDecode\n")
	buffer.WriteString("  /W [ 1 4 2 ]\n")
	fmt.Fprintf(buffer, "  /Prev %d\n", context.PDFReader.XrefInformation.StartPos)
	fmt.Fprintf(buffer, "  /Size %d\n", context.xrefSize(entries))

	buffer.WriteString("  /Index [")
	for _, section := range xrefSections(entries) {
		fmt.Fprintf(buffer, " %d %d", section[0].ID, len(section))
	}
	buffer.WriteString(" ]\n")

	if err := context.writeTrailerReferences(buffer); err != nil {
		return err
	}

	buffer.WriteString(">>\n")
	return nil
}

// writeXrefStreamLine writes a single type 1 entry: type, 4 byte offset and 2 byte generation.
func writeXrefStreamLine(b *bytes.Buffer, xreftype byte, offset int64, gen uint16) {
	b.WriteByte(xreftype)

	var offsetBytes [4]byte
	binary.BigEndian.PutUint32(offsetBytes[:], uint32(offset))
	b.Write(offsetBytes[:])

	var genBytes [2]byte
	binary.BigEndian.PutUint16(genBytes[:], gen)
	b.Write(genBytes[:])
}
