// Command licensegen is the issuing-side tool: it creates signing keys,
// issues and verifies license files, records revocations and exports the
// ledger for bookkeeping.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"fathomlicense/internal/config"
	"fathomlicense/internal/infrastructure"
	"fathomlicense/internal/ledger"
)

// errNotValid marks a verify run whose license was rejected; main exits 2.
var errNotValid = errors.New("license is not valid")

// env carries what every subcommand needs.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	out    io.Writer

	// openLedger opens the issuing ledger. Tests swap in a shared store.
	openLedger func(ctx context.Context) (ledger.Store, error)
}

type command struct {
	summary string
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = map[string]command{
	"keygen":       {"generate license and certificate signing keys", runKeygen},
	"issue":        {"issue and sign a license file", runIssue},
	"verify":       {"validate a license file", runVerify},
	"fingerprint":  {"print this machine's hardware fingerprints", runFingerprint},
	"revoke":       {"revoke or reinstate a license in the ledger", runRevoke},
	"export":       {"export the ledger to an xlsx workbook", runExport},
	"status":       {"list issued licenses and their revocation state", runStatus},
	"sync":         {"refresh the local revocation cache", runSync},
	"certificates": {"upload pending processing certificates (certificates sync)", runCertificates},
}

func main() {
	// a missing .env is normal
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "licensegen:", err)
		os.Exit(1)
	}
	logger := infrastructure.NewLogger(os.Stderr, cfg.Logging.Level)

	ctx := infrastructure.EnsureTraceID(context.Background())
	e := newEnv(cfg, logger, os.Stdout)
	if err := run(ctx, e, os.Args[1:]); err != nil {
		if errors.Is(err, errNotValid) {
			os.Exit(2)
		}
		infrastructure.WithError(e.logger, err).DebugContext(ctx, "command failed")
		fmt.Fprintln(os.Stderr, "licensegen:", err)
		os.Exit(1)
	}
}

func newEnv(cfg *config.Config, logger *slog.Logger, out io.Writer) *env {
	logger = infrastructure.WithComponent(logger, "licensegen")
	e := &env{cfg: cfg, logger: logger, out: out}
	e.openLedger = func(ctx context.Context) (ledger.Store, error) {
		return ledger.Open(ctx, cfg.Database, logger)
	}
	return e
}

func run(ctx context.Context, e *env, args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		usage(e.out)
		if len(args) == 0 {
			return errors.New("no command given")
		}
		return nil
	}
	cmd, ok := commands[args[0]]
	if !ok {
		usage(e.out)
		return fmt.Errorf("unknown command %q", args[0])
	}
	return cmd.run(ctx, e, args[1:])
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "%s %s\n\n", config.AppName, config.AppVersion)
	fmt.Fprintln(w, "usage: licensegen <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-13s %s\n", name, commands[name].summary)
	}
}

// splitList parses a comma separated flag value.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// withLedger opens the ledger for the duration of fn.
func withLedger(ctx context.Context, e *env, fn func(ledger.Store) error) (err error) {
	store, err := e.openLedger(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(store)
}
