// Command bk is the backup agent: it uploads finished backups from a database host and
// lets operators list, grant and fetch stored artifacts.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/agent"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// errUsage makes main print usage and exit 2.
var errUsage = errors.New("usage")

func usage(w io.Writer) {
	fmt.Fprint(w, `bk agent
Usage:
  bk [-url URL] [-cacert file | -insecure] [-v] <cmd> [args]

Environment:
  BK_URL         server base URL (default http://localhost:8080)
  BK_CREDENTIAL  upload credential issued by "bk-server servers add"
  BK_TOKEN       caller JWT; overrides the one saved by "login"

Commands:
  version
  upload   -file <path> -db <name> -started <RFC3339> [-completed <RFC3339>] [-attempts N]
  failure  -db <name> -reason <text> [-started <RFC3339>] [-completed <RFC3339>]
  login    -token <jwt | ->                      (saves the caller token)
  list     [-server name] [-db name] [-from RFC3339] [-until RFC3339] [-limit N]
  stats
  grant    -id <uuid> [-ttl 15m]
  fetch    -url <grant url> -out <path | ->
  restore  -id <uuid> -out <path | ->           (grant + fetch)
`)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		usage(os.Stderr)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env carries what every command needs.
type env struct {
	baseURL string
	opts    []agent.Option
	log     *zap.Logger
	stdout  io.Writer
}

func (e *env) client(extra ...agent.Option) *agent.Client {
	return agent.New(e.baseURL, append(e.opts[:len(e.opts):len(e.opts)], extra...)...)
}

// run parses global flags, builds the client and dispatches the subcommand.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("bk", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	baseURL := fs.String("url", envOr("BK_URL", "http://localhost:8080"), "server base URL")
	caPath := fs.String("cacert", "", "CA cert (PEM)")
	insecure := fs.Bool("insecure", false, "skip cert verify (dev)")
	verbose := fs.Bool("v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() < 1 {
		return errUsage
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintf(stdout, "bk %s (%s)\n", version, buildDate)
		return nil
	}

	log, err := newLogger(*verbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	hc, err := httpClient(*caPath, *insecure)
	if err != nil {
		return err
	}
	opts := []agent.Option{
		agent.WithHTTPClient(hc),
		agent.WithLogger(log),
		agent.WithCredential(os.Getenv("BK_CREDENTIAL")),
	}
	switch cmd {
	case "list", "stats", "grant", "restore":
		tok, err := callerToken()
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithCallerToken(tok))
	}
	e := &env{baseURL: *baseURL, opts: opts, log: log, stdout: stdout}

	switch cmd {
	case "upload":
		return e.upload(ctx, rest)
	case "failure":
		return e.failure(ctx, rest)
	case "login":
		return e.login(rest)
	case "list":
		return e.list(ctx, rest)
	case "stats":
		return e.stats(ctx)
	case "grant":
		return e.grant(ctx, rest)
	case "fetch":
		return e.fetch(ctx, rest)
	case "restore":
		return e.restore(ctx, rest)
	default:
		return errUsage
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// callerToken prefers BK_TOKEN over the saved login.
func callerToken() (string, error) {
	if v := os.Getenv("BK_TOKEN"); v != "" {
		return v, nil
	}
	return loadToken()
}

func loadTLS(caPath string, insecure bool) (*tls.Config, error) {
	if insecure {
		return &tls.Config{InsecureSkipVerify: true}, nil //nolint:gosec // dev only, behind -insecure
	}
	if caPath == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// httpClient has no overall timeout: uploads and downloads may run for hours.
func httpClient(caPath string, insecure bool) (*http.Client, error) {
	tc, err := loadTLS(caPath, insecure)
	if err != nil {
		return nil, err
	}
	if tc == nil {
		return &http.Client{}, nil
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = tc
	return &http.Client{Transport: tr}, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
