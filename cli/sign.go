package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/digitorus/signserver/sign"
	"github.com/digitorus/signserver/signing"
)

// fieldFlags are the signature field options shared by the signing
// commands.
type fieldFlags struct {
	name      string
	signer    string
	reason    string
	location  string
	contact   string
	page      int
	rect      []float64
	imagePath string
}

func (f *fieldFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.name, "field", "", "signature field name, generated when empty")
	flags.StringVar(&f.signer, "name", "", "name of the signatory, the certificate common name when empty")
	flags.StringVar(&f.reason, "reason", "", "reason for signing")
	flags.StringVar(&f.location, "location", "", "location of the signatory")
	flags.StringVar(&f.contact, "contact", "", "contact information for the signatory")
	flags.IntVar(&f.page, "page", 1, "page of a visible signature")
	flags.Float64SliceVar(&f.rect, "rect", nil, "visible signature rectangle as x,y,width,height")
	flags.StringVar(&f.imagePath, "image", "", "JPEG or PNG drawn into the visible signature")
}

func (f *fieldFlags) field() (sign.Field, error) {
	field := sign.Field{
		Name:        f.name,
		Page:        f.page,
		SignerName:  f.signer,
		Reason:      f.reason,
		Location:    f.location,
		ContactInfo: f.contact,
	}

	switch len(f.rect) {
	case 0:
	case 4:
		field.Rect = sign.RectFromSize(f.rect[0], f.rect[1], f.rect[2], f.rect[3])
	default:
		return field, errors.New("--rect needs four values: x,y,width,height")
	}

	if f.imagePath != "" {
		image, err := os.ReadFile(f.imagePath)
		if err != nil {
			return field, err
		}
		field.Image = image
	}
	return field, nil
}

func newPresignCommand() *cobra.Command {
	var (
		fields    fieldFlags
		chainPath string
		optional  bool
	)

	cmd := &cobra.Command{
		Use:   "presign <input.pdf>",
		Short: "Prepare a PDF for an external signature and print the hash to sign",
		Long: `Reserve a signature placeholder in the document and store it in the
configured storage. The printed hash is the SHA-256 of the signed attributes,
to be signed with the key of the leaf certificate and passed to finalize.`,
		Example: `  signserver presign --cert chain.pem --reason "Approval" contract.pdf`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			chain, err := os.ReadFile(chainPath)
			if err != nil {
				return err
			}
			field, err := fields.field()
			if err != nil {
				return err
			}

			result, err := env.signing.Presign(cmd.Context(), signing.PresignInput{
				Document:          doc,
				ChainPEM:          chain,
				Field:             field,
				TimestampOptional: optional,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}

	fields.register(cmd)
	cmd.Flags().StringVar(&chainPath, "cert", "", "PEM certificate chain of the signer, leaf first")
	cmd.Flags().BoolVar(&optional, "timestamp-optional", false, "finalize without a timestamp when the TSA fails")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

func newFinalizeCommand() *cobra.Command {
	var id, signature string

	cmd := &cobra.Command{
		Use:     "finalize <output.pdf>",
		Short:   "Embed an external signature into a presigned PDF",
		Example: `  signserver finalize --id 0f8c... --signature 3045... signed.pdf`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}

			if signature == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				signature = strings.TrimSpace(string(data))
			}

			signed, err := env.signing.Finalize(cmd.Context(), "", id, signature)
			if err != nil {
				return err
			}
			return writeOutput(cmd, args[0], signed)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "signing request id printed by presign")
	cmd.Flags().StringVar(&signature, "signature", "", "hex signature of the hash, - reads it from stdin")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func newSignCommand() *cobra.Command {
	var (
		fields      fieldFlags
		bundlePath  string
		password    string
		noTimestamp bool
		optional    bool
	)

	cmd := &cobra.Command{
		Use:     "sign <input.pdf> <output.pdf>",
		Short:   "Sign a PDF with a PKCS#12 key bundle",
		Example: `  signserver sign --pfx signer.p12 --password secret --name "John Doe" input.pdf output.pdf`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			bundle, err := os.ReadFile(bundlePath)
			if err != nil {
				return err
			}
			field, err := fields.field()
			if err != nil {
				return err
			}

			in := signing.KeyBundleInput{
				Document:          doc,
				Bundle:            bundle,
				Password:          password,
				Field:             field,
				TimestampOptional: optional,
			}
			svc := env.signing
			if noTimestamp {
				svc, err = signing.NewService(signing.Options{
					Storage:      env.storage,
					ReserveBytes: env.cfg.Signing.ReserveBytes,
					Logger:       env.log,
				})
				if err != nil {
					return err
				}
			}

			signed, err := svc.SignWithKeyBundle(cmd.Context(), in)
			if err != nil {
				return err
			}
			return writeOutput(cmd, args[1], signed)
		},
	}

	fields.register(cmd)
	cmd.Flags().StringVar(&bundlePath, "pfx", "", "PKCS#12 key bundle")
	cmd.Flags().StringVar(&password, "password", os.Getenv("SIGNSERVER_PFX_PASSWORD"), "key bundle password")
	cmd.Flags().BoolVar(&noTimestamp, "no-timestamp", false, "do not timestamp the signature")
	cmd.Flags().BoolVar(&optional, "timestamp-optional", false, "sign without a timestamp when the TSA fails")
	_ = cmd.MarkFlagRequired("pfx")
	return cmd
}

func newTimestampCommand() *cobra.Command {
	var (
		field    string
		tsaURL   string
		username string
		password string
	)

	cmd := &cobra.Command{
		Use:     "timestamp <input.pdf> <output.pdf>",
		Short:   "Add a document timestamp",
		Example: `  signserver timestamp --tsa https://freetsa.org/tsr input.pdf output.pdf`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}

			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			var override *signing.TSAConfig
			if tsaURL != "" {
				override = &signing.TSAConfig{URL: tsaURL, Username: username, Password: password}
			}

			stamped, err := env.signing.TimestampWithTSA(cmd.Context(), doc, sign.Field{Name: field}, override)
			if err != nil {
				return err
			}
			return writeOutput(cmd, args[1], stamped)
		},
	}

	cmd.Flags().StringVar(&field, "field", "", "timestamp field name, generated when empty")
	cmd.Flags().StringVar(&tsaURL, "tsa", "", "time-stamp authority URL, the configured TSA when empty")
	cmd.Flags().StringVar(&username, "tsa-username", "", "time-stamp authority user")
	cmd.Flags().StringVar(&password, "tsa-password", "", "time-stamp authority password")
	return cmd
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "PDF written to %s\n", path)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
