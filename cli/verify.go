package cli

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/digitorus/signserver/verify"
)

func newVerifyCommand() *cobra.Command {
	var (
		requireDigitalSignatureKU bool
		requireNonRepudiation     bool
		rootsPath                 string
	)

	cmd := &cobra.Command{
		Use:   "verify <input.pdf>",
		Short: "Verify the digital signatures of a PDF file",
		Example: `  signserver verify document.pdf
  signserver verify --roots ca.pem document.pdf`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			options := verify.DefaultOptions()
			options.RequireDigitalSignatureKU = requireDigitalSignatureKU
			options.RequireNonRepudiation = requireNonRepudiation
			if rootsPath != "" {
				pem, err := os.ReadFile(rootsPath)
				if err != nil {
					return err
				}
				options.Roots = x509.NewCertPool()
				if !options.Roots.AppendCertsFromPEM(pem) {
					return fmt.Errorf("no certificates found in %s", rootsPath)
				}
			}

			result, err := verify.NewReport(data, options)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if !result.Valid {
				return errors.New("document is not validly signed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&requireDigitalSignatureKU, "require-digital-signature", true, "require Digital Signature key usage in signer certificates")
	cmd.Flags().BoolVar(&requireNonRepudiation, "require-non-repudiation", false, "require Non-Repudiation key usage in signer certificates")
	cmd.Flags().StringVar(&rootsPath, "roots", "", "PEM file with the trusted roots, the embedded certificates when empty")
	return cmd
}
