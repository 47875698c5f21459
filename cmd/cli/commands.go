package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/backup-keeper/internal/agent"
	"github.com/and161185/backup-keeper/internal/api"
)

func newFlags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// parseTime accepts RFC3339; empty means zero.
func parseTime(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s: %w", name, err)
	}
	return t, nil
}

func (e *env) upload(ctx context.Context, args []string) error {
	fs := newFlags("upload")
	file := fs.String("file", "", "backup file")
	db := fs.String("db", "", "database name")
	started := fs.String("started", "", "backup start time (RFC3339)")
	completed := fs.String("completed", "", "backup completion time (RFC3339, default now)")
	attempts := fs.Int("attempts", agent.DefaultAttempts, "total upload attempts")
	backoff := fs.Duration("backoff", agent.DefaultBackoff, "first retry delay")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" || *db == "" || *started == "" {
		return errors.New("upload: need -file, -db and -started")
	}
	start, err := parseTime("started", *started)
	if err != nil {
		return err
	}
	end, err := parseTime("completed", *completed)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = time.Now()
	}

	id, err := e.client(agent.WithRetry(*attempts, *backoff)).Upload(ctx, agent.UploadInput{
		Path:        *file,
		Database:    *db,
		StartedAt:   start,
		CompletedAt: end,
	})
	if err != nil {
		return err
	}
	e.log.Info("backup stored", zap.String("id", id.String()), zap.String("file", *file))
	fmt.Fprintln(e.stdout, id)
	return nil
}

func (e *env) failure(ctx context.Context, args []string) error {
	fs := newFlags("failure")
	db := fs.String("db", "", "database name")
	reason := fs.String("reason", "", "what went wrong")
	started := fs.String("started", "", "backup start time (RFC3339)")
	completed := fs.String("completed", "", "failure time (RFC3339, default now)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *db == "" || strings.TrimSpace(*reason) == "" {
		return errors.New("failure: need -db and -reason")
	}
	start, err := parseTime("started", *started)
	if err != nil {
		return err
	}
	end, err := parseTime("completed", *completed)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end
	}

	id, err := e.client().ReportFailure(ctx, api.FailureRequest{
		DatabaseName:      *db,
		BackupStartedAt:   start,
		BackupCompletedAt: end,
		DurationSeconds:   int64(end.Sub(start) / time.Second),
		Reason:            *reason,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, id)
	return nil
}

func (e *env) login(args []string) error {
	fs := newFlags("login")
	tok := fs.String("token", "", "caller JWT ('-'=stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	v := *tok
	if v == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		v = string(b)
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("login: need -token")
	}
	exp, err := tokenExpiry(v)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if time.Now().After(exp) {
		return errors.New("login: token already expired")
	}
	if err := saveToken(v, exp); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "ok, valid until %s\n", exp.UTC().Format(time.RFC3339))
	return nil
}

func (e *env) list(ctx context.Context, args []string) error {
	fs := newFlags("list")
	server := fs.String("server", "", "server name")
	db := fs.String("db", "", "database name")
	from := fs.String("from", "", "completed at or after (RFC3339)")
	until := fs.String("until", "", "completed before (RFC3339)")
	limit := fs.Int("limit", 0, "max rows (server default when 0)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := parseTime("from", *from)
	if err != nil {
		return err
	}
	u, err := parseTime("until", *until)
	if err != nil {
		return err
	}

	res, err := e.client().List(ctx, agent.ListOptions{Server: *server, DB: *db, From: f, Until: u, Limit: *limit})
	if err != nil {
		return err
	}
	if *asJSON {
		printJSON(e.stdout, res)
		return nil
	}
	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSERVER\tDATABASE\tSTATUS\tSIZE\tCOMPLETED")
	for _, b := range res.Backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			b.ID, b.ServerName, b.DatabaseName, b.Status, b.SizeBytes, b.BackupCompletedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}

func (e *env) stats(ctx context.Context) error {
	st, err := e.client().Stats(ctx)
	if err != nil {
		return err
	}
	printJSON(e.stdout, st)
	return nil
}

func parseID(v string) (uuid.UUID, error) {
	if v == "" {
		return uuid.Nil, errors.New("need -id")
	}
	id, err := uuid.FromString(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("-id: %w", err)
	}
	return id, nil
}

func (e *env) grant(ctx context.Context, args []string) error {
	fs := newFlags("grant")
	idStr := fs.String("id", "", "artifact id (uuid)")
	ttl := fs.Duration("ttl", 0, "grant lifetime (server default when 0)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseID(*idStr)
	if err != nil {
		return err
	}
	g, err := e.client().Grant(ctx, id, *ttl)
	if err != nil {
		return err
	}
	if *asJSON {
		printJSON(e.stdout, g)
		return nil
	}
	fmt.Fprintln(e.stdout, g.URL)
	return nil
}

func (e *env) fetch(ctx context.Context, args []string) error {
	fs := newFlags("fetch")
	u := fs.String("url", "", "grant URL")
	out := fs.String("out", "", "destination file ('-'=stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *u == "" || *out == "" {
		return errors.New("fetch: need -url and -out")
	}
	return e.download(ctx, *u, *out)
}

// restore grants and redeems in one go.
func (e *env) restore(ctx context.Context, args []string) error {
	fs := newFlags("restore")
	idStr := fs.String("id", "", "artifact id (uuid)")
	out := fs.String("out", "", "destination file ('-'=stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := parseID(*idStr)
	if err != nil {
		return err
	}
	if *out == "" {
		return errors.New("restore: need -out")
	}
	g, err := e.client().Grant(ctx, id, 0)
	if err != nil {
		return err
	}
	return e.download(ctx, g.URL, *out)
}

// download writes to a temp file next to out and renames it only once the digest matched.
func (e *env) download(ctx context.Context, grantURL, out string) error {
	c := e.client()
	if out == "-" {
		_, err := c.Fetch(ctx, grantURL, e.stdout)
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".part-*")
	if err != nil {
		return err
	}
	n, err := c.Fetch(ctx, grantURL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	e.log.Info("backup fetched", zap.String("file", out), zap.Int64("bytes", n))
	return nil
}
