package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/digitorus/signserver/forms"
	"github.com/digitorus/signserver/sign"
)

func newFieldsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fields <input.pdf>",
		Short: "List the form fields of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			fields, err := forms.Fields(doc)
			if err != nil {
				return err
			}
			if fields == nil {
				fields = []forms.Field{}
			}
			return printJSON(cmd, fields)
		},
	}
}

func newFillCommand() *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "fill <input.pdf> <output.pdf>",
		Short: "Fill form fields from a JSON object",
		Example: `  signserver fill --data values.json form.pdf filled.pdf
  echo '{"Name": "Alice"}' | signserver fill --data - form.pdf filled.pdf`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if data == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(data)
			}
			if err != nil {
				return err
			}

			var values map[string]any
			if err := json.Unmarshal(raw, &values); err != nil {
				return fmt.Errorf("field values must be a JSON object: %w", err)
			}

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			filled, err := sign.FillForm(doc, values)
			if err != nil {
				return err
			}
			return writeOutput(cmd, args[1], filled)
		},
	}

	cmd.Flags().StringVar(&data, "data", "-", "JSON file with the field values, - for stdin")
	return cmd
}
