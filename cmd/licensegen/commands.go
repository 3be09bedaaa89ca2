package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"fathomlicense/internal/config"
	"fathomlicense/internal/hardware"
	"fathomlicense/internal/ledger"
	"fathomlicense/internal/license"
	"fathomlicense/internal/revocation"
	"fathomlicense/internal/signing"
)

func runKeygen(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(e.out)
	dir := fs.String("out", "keys", "directory for the PEM files")
	keystore := fs.String("keystore", "", "also write the license key to this encrypted key store")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := os.MkdirAll(*dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	licenseKey, err := signing.GenerateAuthority(signing.PurposeLicense)
	if err != nil {
		return err
	}
	certKey, err := signing.GenerateAuthority(signing.PurposeCertificate)
	if err != nil {
		return err
	}
	if err := signing.EnsureDistinct(licenseKey, certKey); err != nil {
		return err
	}

	for _, a := range []*signing.Authority{licenseKey, certKey} {
		priv, err := a.MarshalPrivatePEM()
		if err != nil {
			return err
		}
		pub, err := a.MarshalPublicPEM()
		if err != nil {
			return err
		}
		privPath := filepath.Join(*dir, fmt.Sprintf("%s_private.pem", a.Purpose()))
		pubPath := filepath.Join(*dir, fmt.Sprintf("%s_public.pem", a.Purpose()))
		if err := os.WriteFile(privPath, priv, 0600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		if err := os.WriteFile(pubPath, pub, 0644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		fmt.Fprintf(e.out, "%-11s key %s\n  private: %s\n  public:  %s\n", a.Purpose(), a.KeyID(), privPath, pubPath)
	}

	if *keystore != "" {
		passphrase := os.Getenv(e.cfg.Signing.KeyStorePassphraseEnv)
		if passphrase == "" {
			return fmt.Errorf("-keystore needs a passphrase in %s", e.cfg.Signing.KeyStorePassphraseEnv)
		}
		if err := signing.SaveEncrypted(*keystore, licenseKey, []byte(passphrase)); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "encrypted license key store: %s\n", *keystore)
	}

	e.logger.InfoContext(ctx, "signing keys generated",
		slog.String("license_key_id", licenseKey.KeyID()),
		slog.String("certificate_key_id", certKey.KeyID()))
	return nil
}

func runIssue(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.SetOutput(e.out)
	customer := fs.String("customer", "", "customer name")
	email := fs.String("email", "", "customer email")
	product := fs.String("product", "FathomOS", "product name")
	tier := fs.String("tier", license.TierProfessional.String(), "Basic, Professional or Enterprise")
	sub := fs.String("subscription", license.SubscriptionYearly.String(), "Monthly, Yearly or Lifetime")
	typ := fs.String("type", license.TypeOffline.String(), "Offline or Online")
	modules := fs.String("modules", "", "comma separated module ids; defaults to the tier's modules")
	fpFile := fs.String("fingerprints", "", "file with the target machine's fingerprint list")
	expires := fs.String("expires", "", "expiry date (2006-01-02) overriding the subscription term")
	out := fs.String("out", "", "output .lic path (default <license id>.lic)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := license.IssueRequest{
		CustomerName:   *customer,
		CustomerEmail:  *email,
		ProductName:    *product,
		EnabledModules: splitList(*modules),
	}
	var err error
	if req.Tier, err = license.ParseTier(*tier); err != nil {
		return err
	}
	if req.SubscriptionType, err = license.ParseSubscriptionType(*sub); err != nil {
		return err
	}
	if req.LicenseType, err = license.ParseType(*typ); err != nil {
		return err
	}
	if *fpFile != "" {
		data, err := os.ReadFile(*fpFile)
		if err != nil {
			return fmt.Errorf("read fingerprints: %w", err)
		}
		set, err := hardware.ParseFingerprintList(string(data), true)
		if err != nil {
			return err
		}
		req.HardwareFingerprints = set
	}
	if *expires != "" {
		t, err := time.Parse("2006-01-02", *expires)
		if err != nil {
			return fmt.Errorf("-expires: %w", err)
		}
		t = t.UTC()
		req.ExpiresAt = &t
	}

	auth, err := signing.Load(e.cfg.Signing, signing.PurposeLicense)
	if err != nil {
		return fmt.Errorf("load license signing key: %w", err)
	}

	return withLedger(ctx, e, func(store ledger.Store) error {
		issuer, err := license.NewIssuer(auth,
			license.WithRecorder(store),
			license.WithIssuerLogger(e.logger))
		if err != nil {
			return err
		}
		rec, data, err := issuer.Issue(ctx, req)
		if err != nil {
			return err
		}

		path := *out
		if path == "" {
			path = rec.LicenseID + config.LicenseFileExtension
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("write license file: %w", err)
		}

		expiry := "never"
		if rec.ExpiresAt != nil {
			expiry = rec.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(e.out, "license id:  %s\nlicense key: %s\nexpires:     %s\nwritten to:  %s\n",
			rec.LicenseID, rec.LicenseKey, expiry, path)
		return nil
	})
}

// fixedFingerprints stands in for the live generator when verifying a
// license against a fingerprint list captured on another machine.
type fixedFingerprints hardware.Set

func (f fixedFingerprints) Generate(context.Context) (hardware.Set, error) {
	return hardware.Set(f), nil
}

func runVerify(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(e.out)
	path := fs.String("license", e.cfg.Validation.LicenseFile, "license file to validate")
	fpFile := fs.String("fingerprints", "", "compare against this fingerprint list instead of this machine")
	cache := fs.String("revocations", "", "revocation cache file to consult")
	refresh := fs.Bool("sync", false, "refresh the revocation cache from the configured source first")
	asJSON := fs.Bool("json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	verifier, err := signing.LoadVerifier(e.cfg.Signing, signing.PurposeLicense)
	if err != nil {
		return fmt.Errorf("load license public key: %w", err)
	}

	opts := []license.ValidatorOption{
		license.WithGracePeriod(e.cfg.Validation.GracePeriod),
		license.WithMinMatches(e.cfg.Validation.MinHardwareMatches),
	}
	if *fpFile != "" {
		data, err := os.ReadFile(*fpFile)
		if err != nil {
			return fmt.Errorf("read fingerprints: %w", err)
		}
		set, err := hardware.ParseFingerprintList(string(data), true)
		if err != nil {
			return err
		}
		opts = append(opts, license.WithFingerprints(fixedFingerprints(set)))
	}
	if *cache != "" || *refresh {
		reg, err := openCache(ctx, e, *cache, *refresh)
		if err != nil {
			return err
		}
		opts = append(opts, license.WithRevocations(reg))
	}

	v, err := license.NewValidator(verifier, opts...)
	if err != nil {
		return err
	}
	res, err := v.ValidateFile(ctx, *path)
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(e.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(e.out, "status: %s\nreason: %s\n", res.Status, res.Reason)
		if res.Record != nil {
			renewal := license.Renewal(res.Record, res.CheckedAt)
			fmt.Fprintf(e.out, "customer: %s\ntier: %s\nrenewal: %s\n", res.Record.CustomerName, res.Record.Tier, renewal.Message)
		}
		if !res.Valid() {
			fmt.Fprintf(e.out, "action: %s\n", res.Info().Action)
		}
		switch res.Status {
		case license.StatusRevoked:
			fmt.Fprintf(e.out, "support: %s\n", config.SupportEmail)
		case license.StatusExpired:
			fmt.Fprintf(e.out, "renew at: %s\n", config.RenewalURL)
		}
	}

	if !res.Valid() {
		return fmt.Errorf("%w: %s", errNotValid, res.Status)
	}
	return nil
}

func runFingerprint(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(e.out)
	out := fs.String("out", "", "also write the list to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	set, err := hardware.NewGenerator(hardware.WithLogger(e.logger)).Generate(ctx)
	if err != nil {
		return err
	}
	text := hardware.FormatFingerprintList(set)
	if set.Available() < e.cfg.Validation.MinHardwareMatches {
		e.logger.WarnContext(ctx, "too few hardware components available for an offline license",
			slog.Int("available", set.Available()),
			slog.Int("required", e.cfg.Validation.MinHardwareMatches))
	}
	fmt.Fprint(e.out, text)
	if *out != "" {
		if err := os.WriteFile(*out, []byte(text), 0644); err != nil {
			return fmt.Errorf("write fingerprints: %w", err)
		}
	}
	return nil
}

func runRevoke(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
	fs.SetOutput(e.out)
	id := fs.String("id", "", "license id")
	reason := fs.String("reason", "", "revocation reason")
	reinstate := fs.Bool("reinstate", false, "lift an existing revocation instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	return withLedger(ctx, e, func(store ledger.Store) error {
		if *reinstate {
			if err := store.Reinstate(ctx, *id); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "reinstated %s\n", *id)
			return nil
		}
		if _, err := store.GetIssued(ctx, *id); err != nil {
			e.logger.WarnContext(ctx, "revoking a license the ledger did not issue", slog.String("license_id", *id))
		}
		if err := store.Revoke(ctx, revocation.Entry{LicenseID: *id, Reason: *reason}); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "revoked %s\n", *id)
		return nil
	})
}

func runExport(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(e.out)
	out := fs.String("out", "ledger.xlsx", "workbook path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withLedger(ctx, e, func(store ledger.Store) error {
		f, err := os.Create(*out)
		if err != nil {
			return fmt.Errorf("create workbook: %w", err)
		}
		if err := ledger.ExportXLSX(ctx, store, f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(e.out, "exported ledger to %s\n", *out)
		return nil
	})
}

func runStatus(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(e.out)
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withLedger(ctx, e, func(store ledger.Store) error {
		issued, err := store.ListIssued(ctx)
		if err != nil {
			return err
		}
		changes, err := store.ListRevocations(ctx, time.Time{})
		if err != nil {
			return err
		}
		revoked := make(map[string]bool)
		for _, r := range ledger.Active(changes) {
			revoked[r.LicenseID] = true
		}

		now := time.Now()
		tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LICENSE ID\tCUSTOMER\tTIER\tTYPE\tEXPIRY\tSTATE")
		for _, rec := range issued {
			state := string(license.Renewal(rec, now).Band)
			if revoked[rec.LicenseID] {
				state = "Revoked"
			}
			expiry := "never"
			if rec.ExpiresAt != nil {
				expiry = rec.ExpiresAt.Format("2006-01-02")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				rec.LicenseID, rec.CustomerName, rec.Tier, rec.LicenseType, expiry, state)
		}
		return tw.Flush()
	})
}
