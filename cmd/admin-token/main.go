// Command admin-token issues, lists and revokes admin tokens directly
// against the configured store. It is how the first super-admin token is
// bootstrapped.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/example/gatekeeper/internal/admin"
	"github.com/example/gatekeeper/internal/apikey"
	"github.com/example/gatekeeper/internal/config"
	"github.com/example/gatekeeper/internal/logging"
	"github.com/example/gatekeeper/internal/models"
	"github.com/example/gatekeeper/internal/policy"
	"github.com/example/gatekeeper/internal/store"
	"github.com/example/gatekeeper/internal/tokenvault"
	"github.com/example/gatekeeper/internal/users"
	flag "github.com/spf13/pflag"
)

const usage = `Usage: admin-token <command> [flags]

Commands:
  issue    Issue a new admin token and print its JWT once
  list     List admin tokens
  revoke   Revoke an admin token by ID
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	authority, closeStore, err := open(cfg, logger)
	if err != nil {
		log.Fatalf("Store error: %v", err)
	}
	defer closeStore()

	ctx := context.Background()
	args := os.Args[2:]
	switch os.Args[1] {
	case "issue":
		err = issue(ctx, authority, args)
	case "list":
		err = list(ctx, authority, args)
	case "revoke":
		err = revoke(ctx, authority, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		closeStore()
		os.Exit(2)
	}
	if err != nil {
		closeStore()
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

func open(cfg *config.Config, logger *slog.Logger) (*admin.Authority, func(), error) {
	var (
		db  store.DB
		err error
	)
	switch cfg.DBAdapter {
	case "sqlite":
		db, err = store.NewSQLiteDB(cfg.SQLiteFile)
	case "bolt":
		db, err = store.NewBoltDB(cfg.BoltFile)
	case "postgres":
		if err = store.ApplyMigrations(cfg.PostgresDSN, cfg.MigrationsDir, logger); err == nil {
			db, err = store.NewPostgresDB(cfg.PostgresDSN)
		}
	default:
		err = fmt.Errorf("admin-token needs a persistent store, DB_ADAPTER is %s", cfg.DBAdapter)
	}
	if err != nil {
		return nil, nil, err
	}

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	vault, err := tokenvault.New(key)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	p := policy.Default()
	if cfg.TierPolicyFile != "" {
		if p, err = policy.Load(cfg.TierPolicyFile); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	p = p.WithAdminTokenExpiry(cfg.AdminTokenExpiry())

	keys := apikey.New(db, p, logger)
	dir := users.New(db, vault, []byte(cfg.JWTSecret), logger)
	var once bool
	return admin.New(db, keys, dir, p, logger), func() {
		if !once {
			once = true
			db.Close()
		}
	}, nil
}

func issue(ctx context.Context, a *admin.Authority, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	service := fs.StringP("service", "s", "", "Service name the token is issued to (required)")
	description := fs.String("description", "", "Free-form description")
	perms := fs.StringSliceP("permission", "p", nil, "Permission to grant, repeatable ("+permissionList()+")")
	super := fs.Bool("super-admin", false, "Grant every permission")
	days := fs.Int("expires-days", -1, "Lifetime in days, 0 for no expiry (default: configured expiry)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := admin.IssueRequest{
		ServiceName:  *service,
		Description:  *description,
		IsSuperAdmin: *super,
	}
	for _, p := range *perms {
		req.Permissions = append(req.Permissions, models.AdminPermission(p))
	}
	if *days >= 0 {
		req.ExpiresInDays = days
	}

	gen, err := a.Issue(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("Token ID:   %s\n", gen.Token.ID)
	fmt.Printf("Service:    %s\n", gen.Token.ServiceName)
	if gen.Token.ExpiresAt != nil {
		fmt.Printf("Expires at: %s\n", gen.Token.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("\n%s\n\nStore this token now; it cannot be shown again.\n", gen.JWT)
	return nil
}

func list(ctx context.Context, a *admin.Authority, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	all := fs.BoolP("all", "a", false, "Include revoked tokens")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tokens, err := a.List(ctx, *all)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERVICE\tPREFIX\tACTIVE\tSUPER\tPERMISSIONS\tEXPIRES")
	for _, t := range tokens {
		expires := "never"
		if t.ExpiresAt != nil {
			expires = t.ExpiresAt.Format(time.DateOnly)
		}
		perms := make([]string, 0, len(t.Permissions))
		for _, p := range t.Permissions {
			perms = append(perms, string(p))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%s\n",
			t.ID, t.ServiceName, t.TokenPrefix, t.IsActive, t.IsSuperAdmin, strings.Join(perms, ","), expires)
	}
	return w.Flush()
}

func revoke(ctx context.Context, a *admin.Authority, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected exactly one token ID")
	}
	if err := a.Revoke(ctx, fs.Arg(0)); err != nil {
		return err
	}
	fmt.Printf("Revoked %s\n", fs.Arg(0))
	return nil
}

func permissionList() string {
	names := make([]string, 0, len(models.AllPermissions))
	for _, p := range models.AllPermissions {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}
