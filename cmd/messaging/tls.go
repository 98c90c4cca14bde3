package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ERPlora/module-messaging/internal/tls"
)

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "TLS certificate management",
}

var tlsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the API's TLS certificate status",
	RunE:  runTLSStatus,
}

func init() {
	tlsCmd.AddCommand(tlsStatusCmd)
	rootCmd.AddCommand(tlsCmd)
}

func runTLSStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	t := cfg.API.TLS
	switch {
	case t.ACME.Enabled:
		fmt.Printf("Mode: ACME (Let's Encrypt)\n")
		fmt.Printf("Email: %s\n", t.ACME.Email)
		fmt.Printf("Cache: %s\n\n", t.ACME.CacheDir)

		m := tls.NewACMEManager(t.ACME.Email, t.ACME.Domains, t.ACME.CacheDir)
		certs, err := m.CachedCertificates(context.Background())
		if err != nil {
			return err
		}

		cached := make(map[string]tls.CertificateInfo, len(certs))
		for _, c := range certs {
			cached[c.Domain] = c
		}
		for _, domain := range t.ACME.Domains {
			c, ok := cached[domain]
			if !ok {
				fmt.Printf("  %s: not obtained yet\n", domain)
				continue
			}
			fmt.Printf("  %s: expires %s (%d days left)\n", domain, c.NotAfter.Format("2006-01-02"), c.DaysLeft)
		}

	case t.CertFile != "":
		info, err := tls.GetCertificateInfo(t.CertFile)
		if err != nil {
			return err
		}
		fmt.Printf("Mode: manual certificate\n")
		fmt.Printf("File: %s\n", t.CertFile)
		fmt.Printf("Subject: %s\n", info.Subject)
		fmt.Printf("Expires: %s (%d days left)\n", info.NotAfter.Format("2006-01-02"), info.DaysLeft)
		if info.DaysLeft < 14 {
			fmt.Printf("\nWarning: certificate expires soon\n")
		}

	default:
		fmt.Println("TLS is disabled; the API is served over plain HTTP")
	}
	return nil
}
