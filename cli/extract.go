package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/digitorus/pdf"
	"github.com/spf13/cobra"

	"github.com/digitorus/signserver/extract"
)

func newExtractCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <input.pdf> <directory>",
		Short: "Write the CMS container of every signature to a .p7s file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rdr, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
			if err != nil {
				return fmt.Errorf("failed to read document: %w", err)
			}
			if err := os.MkdirAll(args[1], 0o755); err != nil {
				return err
			}

			count := 0
			for sig, err := range extract.Iter(rdr, bytes.NewReader(doc), int64(len(doc))) {
				if err != nil {
					return err
				}
				count++
				name := fmt.Sprintf("%02d-%s.p7s", count, fileName(sig.Field))
				if err := os.WriteFile(filepath.Join(args[1], name), sig.Container(), 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			if count == 0 {
				return fmt.Errorf("%s has no signatures", args[0])
			}
			return nil
		},
	}
}

// fileName replaces characters that are not safe in a file name.
func fileName(field string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, field)
}
