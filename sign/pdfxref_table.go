package sign

import (
	"fmt"
)

// writeIncrXrefTable writes the incremental cross-reference table to the output buffer.
func (context *SignContext) writeIncrXrefTable() error {
	if _, err := context.Output.Write([]byte("xref\n")); err != nil {
		return fmt.Errorf("failed to write incremental xref header: %w", err)
	}

	for _, section := range xrefSections(context.xrefEntries()) {
		header := fmt.Sprintf("%d %d\n", section[0].ID, len(section))
		if _, err := context.Output.Write([]byte(header)); err != nil {
			return fmt.Errorf("failed to write xref subsection header: %w", err)
		}

		for _, entry := range section {
			xrefLine := fmt.Sprintf("%010d %05d n\r\n", entry.Offset, entry.Generation)
			if _, err := context.Output.Write([]byte(xrefLine)); err != nil {
				return fmt.Errorf("failed to write incremental xref entry: %w", err)
			}
		}
	}

	return nil
}
