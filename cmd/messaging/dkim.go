package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ERPlora/module-messaging/internal/dkim"
	"github.com/ERPlora/module-messaging/internal/dnscheck"
)

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "DKIM key management commands",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new DKIM key pair",
	Long:  `Generate a new RSA 2048-bit DKIM key pair and output DNS record.`,
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show DKIM DNS record from existing key",
	Long:  `Show the DNS TXT record for an existing DKIM private key.`,
	RunE:  runDKIMShow,
}

var dkimVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check SPF, DKIM and DMARC records of a sending domain",
	Long: `Look up the SPF, DKIM and DMARC records of a domain. With --key the
published DKIM public key must match the local private key.`,
	RunE: runDKIMVerify,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", "default", "DKIM selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Output directory for key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file (required)")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "default", "DKIM selector")
	dkimShowCmd.MarkFlagRequired("key")
	dkimShowCmd.MarkFlagRequired("domain")

	dkimVerifyCmd.Flags().StringVar(&dkimDomain, "domain", "", "Domain name (required)")
	dkimVerifyCmd.Flags().StringVar(&dkimSelector, "selector", "default", "DKIM selector")
	dkimVerifyCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Path to private key file")
	dkimVerifyCmd.MarkFlagRequired("domain")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd, dkimVerifyCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	if err := dnscheck.ValidateDomain(dkimDomain); err != nil {
		return err
	}
	if err := dnscheck.ValidateSelector(dkimSelector); err != nil {
		return err
	}

	kp, err := dkim.GenerateKey(dkimDomain, dkimSelector)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	keyPath := dkim.KeyPath(dkimOutDir, dkimDomain, dkimSelector)
	if err := kp.SavePrivateKey(keyPath); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}

	fmt.Printf("DKIM key generated successfully\n\n")
	fmt.Printf("Private key saved to: %s\n\n", keyPath)
	return printDNSRecord(kp)
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	key, err := dkim.LoadPrivateKey(dkimKeyFile)
	if err != nil {
		return err
	}
	return printDNSRecord(&dkim.KeyPair{PrivateKey: key, Domain: dkimDomain, Selector: dkimSelector})
}

func printDNSRecord(kp *dkim.KeyPair) error {
	record, err := kp.DNSRecord()
	if err != nil {
		return err
	}

	fmt.Printf("DNS Record:\n")
	fmt.Printf("  Name: %s\n", kp.DNSName())
	fmt.Printf("  Type: TXT\n")
	fmt.Printf("  Value: %s\n", record)
	fmt.Printf("\nSet email_dkim_domain, email_dkim_selector and email_dkim_key_file in the tenant settings.\n")
	return nil
}

func runDKIMVerify(cmd *cobra.Command, args []string) error {
	var expected string
	if dkimKeyFile != "" {
		key, err := dkim.LoadPrivateKey(dkimKeyFile)
		if err != nil {
			return err
		}
		kp := &dkim.KeyPair{PrivateKey: key, Domain: dkimDomain, Selector: dkimSelector}
		if expected, err = kp.DNSRecord(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := dnscheck.New(nil).CheckDomain(ctx, dkimDomain, dkimSelector, expected)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tNAME\tSTATUS\tMESSAGE")
	for _, r := range result.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Type, r.Name, r.Status, r.Message)
	}
	w.Flush()

	if result.Summary.Errors > 0 || result.Summary.NotFound > 0 {
		return fmt.Errorf("%d error(s), %d missing record(s)", result.Summary.Errors, result.Summary.NotFound)
	}
	return nil
}
