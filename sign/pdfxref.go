package sign

import (
	"fmt"
	"sort"
)

func (context *SignContext) writeXref() error {
	context.newXrefStart = int64(context.Output.Buff.Len())

	switch context.PDFReader.XrefInformation.Type {
	case "table":
		return context.writeIncrXrefTable()
	case "stream":
		return context.writeXrefStream()
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedXref, context.PDFReader.XrefInformation.Type)
	}
}

// xrefEntries returns the updated and new entries ordered by object number.
func (context *SignContext) xrefEntries(extra ...xrefEntry) []xrefEntry {
	entries := make([]xrefEntry, 0, len(context.updatedXrefEntries)+len(context.newXrefEntries)+len(extra))
	entries = append(entries, context.updatedXrefEntries...)
	entries = append(entries, context.newXrefEntries...)
	entries = append(entries, extra...)

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ID < entries[j].ID
	})

	return entries
}

// xrefSections splits sorted entries into runs of consecutive object numbers.
func xrefSections(entries []xrefEntry) [][]xrefEntry {
	var sections [][]xrefEntry
	for i, entry := range entries {
		if i == 0 || entry.ID != entries[i-1].ID+1 {
			sections = append(sections, []xrefEntry{entry})
			continue
		}
		sections[len(sections)-1] = append(sections[len(sections)-1], entry)
	}
	return sections
}

// xrefSize returns the /Size of the updated document, one more than the
// highest object number in use.
func (context *SignContext) xrefSize(entries []xrefEntry) int64 {
	size := int64(context.lastXrefID) + 1
	for _, entry := range entries {
		if int64(entry.ID)+1 > size {
			size = int64(entry.ID) + 1
		}
	}
	return size
}
