package sign

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/digitorus/pdf"
)

var errDirectStream = errors.New("stream objects cannot be written as direct values")

// addObject appends a new indirect object and returns its object number.
func (context *SignContext) addObject(object []byte) (uint32, error) {
	id, _, err := context.addObjectAt(object)
	return id, err
}

// addObjectAt appends a new indirect object and also returns the absolute
// offset of the first byte of object in the output.
func (context *SignContext) addObjectAt(object []byte) (uint32, int64, error) {
	id := context.lastXrefID + uint32(len(context.newXrefEntries)) + 1

	offset, bodyStart, err := context.writeObject(id, 0, object)
	if err != nil {
		return 0, 0, err
	}

	context.newXrefEntries = append(context.newXrefEntries, xrefEntry{
		ID:     id,
		Offset: offset,
	})

	return id, bodyStart, nil
}

// updateObject appends a new revision of an existing object.
func (context *SignContext) updateObject(id uint32, gen uint16, object []byte) error {
	offset, _, err := context.writeObject(id, gen, object)
	if err != nil {
		return err
	}

	context.updatedXrefEntries = append(context.updatedXrefEntries, xrefEntry{
		ID:         id,
		Generation: gen,
		Offset:     offset,
	})

	return nil
}

func (context *SignContext) writeObject(id uint32, gen uint16, object []byte) (offset int64, bodyStart int64, err error) {
	offset = int64(context.Output.Buff.Len())

	header := strconv.FormatUint(uint64(id), 10) + " " + strconv.FormatUint(uint64(gen), 10) + " obj\n"
	if _, err := context.Output.Write([]byte(header)); err != nil {
		return 0, 0, err
	}
	bodyStart = offset + int64(len(header))

	if _, err := context.Output.Write(object); err != nil {
		return 0, 0, err
	}
	if _, err := context.Output.Write([]byte("\nendobj\n")); err != nil {
		return 0, 0, err
	}

	return offset, bodyStart, nil
}

// writeValue serializes v. Values that live in their own indirect object
// (a different object than the parent) are written as references, so only the
// direct part of an object is copied.
func writeValue(buf *bytes.Buffer, v pdf.Value, parentID uint32, parentGen uint16) error {
	ptr := v.GetPtr()
	id, gen := ptr.GetID(), ptr.GetGen()
	if id != 0 && (id != parentID || gen != parentGen) {
		buf.WriteString(pdfReference(id, gen))
		return nil
	}

	switch v.Kind() {
	case pdf.Null:
		buf.WriteString("null")
	case pdf.Bool:
		buf.WriteString(strconv.FormatBool(v.Bool()))
	case pdf.Integer:
		buf.WriteString(strconv.FormatInt(v.Int64(), 10))
	case pdf.Real:
		buf.WriteString(pdfNumber(v.Float64()))
	case pdf.String:
		buf.WriteString(pdfHexString([]byte(v.RawString())))
	case pdf.Name:
		buf.WriteString(pdfName(v.Name()))
	case pdf.Array:
		buf.WriteString("[")
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteString(" ")
			}
			if err := writeValue(buf, v.Index(i), id, gen); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case pdf.Dict:
		buf.WriteString("<<")
		for _, key := range v.Keys() {
			buf.WriteString(" " + pdfName(key) + " ")
			if err := writeValue(buf, v.Key(key), id, gen); err != nil {
				return fmt.Errorf("key %s: %w", key, err)
			}
		}
		buf.WriteString(" >>")
	case pdf.Stream:
		return errDirectStream
	default:
		return fmt.Errorf("unsupported value kind %v", v.Kind())
	}

	return nil
}

// writeDictEntries writes all entries of dict except the skipped keys,
// without the surrounding << >>.
func writeDictEntries(buf *bytes.Buffer, dict pdf.Value, skip ...string) error {
	ptr := dict.GetPtr()
	for _, key := range dict.Keys() {
		if containsString(skip, key) {
			continue
		}
		buf.WriteString(" " + pdfName(key) + " ")
		if err := writeValue(buf, dict.Key(key), ptr.GetID(), ptr.GetGen()); err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
	}
	return nil
}

// writeArrayElements writes the elements of arr without the surrounding [ ].
// arr may be a direct array or a reference to one.
func writeArrayElements(buf *bytes.Buffer, arr pdf.Value) error {
	if arr.Kind() != pdf.Array {
		return nil
	}
	ptr := arr.GetPtr()
	for i := 0; i < arr.Len(); i++ {
		buf.WriteString(" ")
		if err := writeValue(buf, arr.Index(i), ptr.GetID(), ptr.GetGen()); err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
