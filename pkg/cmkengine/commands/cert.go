package commands

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/consol-monitoring/cmkengine/pkg/certs"
	"github.com/consol-monitoring/cmkengine/pkg/humanize"
	"github.com/spf13/cobra"
)

type certFlags struct {
	certPath   string
	keyPath    string
	password   string
	commonName string
	keyType    string
	days       int
	isCA       bool
	sans       []string
	caCert     string
	caKey      string
	caPassword string
	force      bool
}

func init() {
	flags := &certFlags{}
	certCmd := &cobra.Command{
		Use:   "cert",
		Short: "Create and inspect certificates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	certCmd.PersistentFlags().StringVarP(&flags.certPath, "cert", "", "", "path to the certificate file")
	certCmd.PersistentFlags().StringVarP(&flags.keyPath, "key", "", "", "path to the private key file")
	certCmd.PersistentFlags().StringVarP(&flags.password, "password", "", "", "password of the private key, prefix with env: to read an environment variable")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new certificate and private key",
		Long: `Create a self signed certificate or, when --ca-cert is given, a certificate
signed by that ca. Existing files are not overwritten unless --force is used.

Examples:

# create a site ca
cmkengine cert create --cn "Site CA" --ca --cert ca.crt --key ca.key --days 3650

# create a server certificate signed by the ca
cmkengine cert create --cn monitoring.example.com --san monitoring.example.com --san 10.0.0.1 \
    --ca-cert ca.crt --ca-key ca.key --cert web.crt --key web.key
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return createCertificate(cmd, flags)
		},
	}
	createCmd.Flags().StringVarP(&flags.commonName, "cn", "", "", "common name")
	createCmd.Flags().StringVarP(&flags.keyType, "key-type", "", string(certs.KeyTypeRSA), "key type: rsa, ec256, ec384")
	createCmd.Flags().IntVarP(&flags.days, "days", "", 365, "validity in days")
	createCmd.Flags().BoolVarP(&flags.isCA, "ca", "", false, "create a ca certificate")
	createCmd.Flags().StringArrayVarP(&flags.sans, "san", "", []string{}, "subject alternative name, dns name or ip (multiple)")
	createCmd.Flags().StringVarP(&flags.caCert, "ca-cert", "", "", "sign with this ca certificate")
	createCmd.Flags().StringVarP(&flags.caKey, "ca-key", "", "", "private key of the ca")
	createCmd.Flags().StringVarP(&flags.caPassword, "ca-password", "", "", "password of the ca private key")
	createCmd.Flags().BoolVarP(&flags.force, "force", "f", false, "overwrite existing files")
	certCmd.AddCommand(createCmd)

	showCmd := &cobra.Command{
		Use:   "show <certfile>",
		Short: "Print details of a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := readCertificate(args[0])
			if err != nil {
				return err
			}
			printCertificate(cmd, cert)

			return nil
		},
	}
	certCmd.AddCommand(showCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify <certfile>",
		Short: "Verify expiry, issuer and private key of a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return verifyCertificate(cmd, flags, args[0])
		},
	}
	verifyCmd.Flags().StringVarP(&flags.caCert, "ca-cert", "", "", "verify the certificate is signed by this ca")
	certCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(certCmd)
}

func createCertificate(cmd *cobra.Command, flags *certFlags) error {
	if flags.commonName == "" {
		return fmt.Errorf("--cn is required")
	}
	if flags.certPath == "" || flags.keyPath == "" {
		return fmt.Errorf("--cert and --key are required")
	}
	if !flags.force {
		for _, path := range []string{flags.certPath, flags.keyPath} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s exists already, use --force to overwrite", path)
			}
		}
	}

	opts := certs.Options{
		CommonName: flags.commonName,
		KeyType:    certs.KeyType(flags.keyType),
		Validity:   time.Duration(flags.days) * 24 * time.Hour,
		IsCA:       flags.isCA,
	}
	for _, san := range flags.sans {
		if ip := net.ParseIP(san); ip != nil {
			opts.IPAddresses = append(opts.IPAddresses, ip)
		} else {
			opts.DNSNames = append(opts.DNSNames, san)
		}
	}

	var bundle *certs.Bundle
	var err error
	if flags.caCert != "" {
		ca, caErr := (&certs.PersistedBundle{
			CertPath: flags.caCert,
			KeyPath:  flags.caKey,
			Password: secret(flags.caPassword),
		}).Load()
		if caErr != nil {
			return fmt.Errorf("loading ca: %w", caErr)
		}
		bundle, err = ca.Issue(opts)
	} else {
		bundle, err = certs.GenerateSelfSigned(opts)
	}
	if err != nil {
		return err
	}

	persisted := &certs.PersistedBundle{CertPath: flags.certPath, KeyPath: flags.keyPath, Password: secret(flags.password)}
	if err := persisted.Save(bundle); err != nil {
		return err
	}
	printCertificate(cmd, bundle.Certificate)

	return nil
}

func verifyCertificate(cmd *cobra.Command, flags *certFlags, path string) error {
	cert, err := readCertificate(path)
	if err != nil {
		return err
	}

	problems := []string{}
	now := time.Now()
	if cert.IsExpired(now) {
		problems = append(problems, fmt.Sprintf("certificate expired at %s", humanize.Datetime(cert.NotAfter())))
	}

	if flags.caCert != "" {
		ca, err := readCertificate(flags.caCert)
		if err != nil {
			return err
		}
		if err := cert.VerifyIsSignedBy(ca); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if flags.keyPath != "" {
		data, err := os.ReadFile(flags.keyPath)
		if err != nil {
			return fmt.Errorf("read private key: %w", err)
		}
		key, err := certs.ParsePrivateKeyPEM(data, secret(flags.password))
		if err != nil {
			return err
		}
		if !cert.PublicKeyMatches(key) {
			problems = append(problems, "private key does not match the certificate")
		}
	}

	if len(problems) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "CRITICAL - %s\n", strings.Join(problems, ", "))

		return &ExitError{Code: 2}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "OK - certificate is valid for %d days\n", cert.DaysTillExpiry(now))

	return nil
}

func readCertificate(path string) (*certs.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	return certs.ParseCertificatePEM(data)
}

func printCertificate(cmd *cobra.Command, cert *certs.Certificate) {
	x509Cert := cert.X509()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Subject:     %s\n", x509Cert.Subject.String())
	fmt.Fprintf(out, "Issuer:      %s\n", x509Cert.Issuer.String())
	fmt.Fprintf(out, "Serial:      %s\n", cert.SerialNumber())
	fmt.Fprintf(out, "Valid from:  %s\n", humanize.Datetime(x509Cert.NotBefore))
	fmt.Fprintf(out, "Valid until: %s\n", humanize.Datetime(cert.NotAfter()))
	fmt.Fprintf(out, "CA:          %t\n", cert.IsCA())
	fmt.Fprintf(out, "Fingerprint: %s\n", cert.Fingerprint())
	if len(x509Cert.DNSNames) > 0 || len(x509Cert.IPAddresses) > 0 {
		sans := append([]string{}, x509Cert.DNSNames...)
		for _, ip := range x509Cert.IPAddresses {
			sans = append(sans, ip.String())
		}
		fmt.Fprintf(out, "SANs:        %s\n", strings.Join(sans, ", "))
	}
}

// secret returns the password, values starting with env: are read from the environment.
func secret(value string) []byte {
	if value == "" {
		return nil
	}
	if name, ok := strings.CutPrefix(value, "env:"); ok {
		return []byte(os.Getenv(name))
	}

	return []byte(value)
}
