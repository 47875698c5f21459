package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/and161185/backup-keeper/internal/migrate"
	"github.com/and161185/backup-keeper/internal/repository/postgres"
	"github.com/and161185/backup-keeper/internal/service"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireDSN(); err != nil {
				return err
			}
			dir := "up"
			if len(args) == 1 {
				dir = args[0]
			}
			ctx, dsn := cmd.Context(), a.cfg.Database.DSN
			switch dir {
			case "down":
				return migrate.Down(ctx, dsn)
			case "status":
				return migrate.Status(ctx, dsn)
			default:
				return migrate.Up(ctx, dsn)
			}
		},
	}
}

func newServersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage upload sources",
	}

	var name, host string
	var group int64
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a server and print its upload credential once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireDSN(); err != nil {
				return err
			}
			db, err := postgres.New(cmd.Context(), a.cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := service.NewServerService(postgres.NewServerRepo(db), nil)
			srv, cred, err := svc.Register(cmd.Context(), name, host, group)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server:     %s (%s)\n", srv.Name, srv.ID)
			fmt.Fprintf(out, "group:      %d\n", srv.GroupID)
			fmt.Fprintf(out, "credential: %s\n", cred.String())
			fmt.Fprintln(out, "store the credential now: it cannot be shown again")
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "unique server name (required)")
	add.Flags().StringVar(&host, "host", "", "host or address, informational")
	add.Flags().Int64Var(&group, "group", 0, "ownership group")
	_ = add.MarkFlagRequired("name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireDSN(); err != nil {
				return err
			}
			db, err := postgres.New(cmd.Context(), a.cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			servers, err := service.NewServerService(postgres.NewServerRepo(db), nil).List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tHOST\tGROUP\tKEY PREFIX\tCREATED")
			for _, s := range servers {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Name, s.Host, s.GroupID, s.KeyPrefix, s.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	var sub string
	var group int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a caller JWT for local testing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is required (config or BK_AUTH_JWT_SECRET)")
			}
			tok, exp, err := service.NewCallerTokens([]byte(a.cfg.Auth.JWTSecret), a.cfg.Auth.Leeway).Issue(sub, group, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "subject (required)")
	cmd.Flags().Int64Var(&group, "group", 0, "caller group")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}
