package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/musabulbul/kurumtakip/config"
	"github.com/musabulbul/kurumtakip/session"
	"github.com/musabulbul/kurumtakip/tenant"
	tenantbolt "github.com/musabulbul/kurumtakip/tenant/bbolt"
)

var dbPath string

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenant to session mappings in the BBolt tenant database",
}

var tenantSetCmd = &cobra.Command{
	Use:   "set <tenant-id> <session-id>",
	Short: "Map a tenant to a session id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTenantDB(cmd, func(store *tenantbolt.Store, cfg config.Tenants) error {
			return setTenant(cmd.OutOrStdout(), store, cfg, args[0], args[1])
		})
	},
}

var tenantGetCmd = &cobra.Command{
	Use:   "get <tenant-id>",
	Short: "Resolve a tenant to its session id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTenantDB(cmd, func(store *tenantbolt.Store, cfg config.Tenants) error {
			return getTenant(cmd.Context(), cmd.OutOrStdout(), store, cfg, args[0])
		})
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenant ids and their session ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTenantDB(cmd, func(store *tenantbolt.Store, cfg config.Tenants) error {
			return listTenants(cmd.Context(), cmd.OutOrStdout(), store, cfg)
		})
	},
}

var tenantDeleteCmd = &cobra.Command{
	Use:   "delete <tenant-id>",
	Short: "Remove a tenant mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTenantDB(cmd, func(store *tenantbolt.Store, cfg config.Tenants) error {
			if err := store.Delete(cfg.Collection, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantSetCmd, tenantGetCmd, tenantListCmd, tenantDeleteCmd)
	tenantCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the BBolt tenant database (default from config)")
}

func withTenantDB(cmd *cobra.Command, fn func(*tenantbolt.Store, config.Tenants) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := tenantbolt.NewStoreFromFile(cfg.Tenants.Path, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store, cfg.Tenants)
}

// setTenant writes the session field, leaving other document fields intact.
func setTenant(w io.Writer, store *tenantbolt.Store, cfg config.Tenants, tenantID, sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	if err := store.Merge(cfg.Collection, tenantID, tenant.Document{cfg.SessionField: sessionID}); err != nil {
		return err
	}
	fmt.Fprintf(w, "%s -> %s\n", tenantID, sessionID)
	return nil
}

func getTenant(ctx context.Context, w io.Writer, store *tenantbolt.Store, cfg config.Tenants, tenantID string) error {
	sessionID, err := resolverFor(store, cfg).Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, sessionID)
	return nil
}

func listTenants(ctx context.Context, w io.Writer, store *tenantbolt.Store, cfg config.Tenants) error {
	ids, err := store.List(cfg.Collection)
	if err != nil {
		return err
	}
	resolver := resolverFor(store, cfg)
	for _, id := range ids {
		sessionID, err := resolver.Resolve(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "%s\t(%v)\n", id, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\n", id, sessionID)
	}
	return nil
}

func resolverFor(store tenant.DocumentStore, cfg config.Tenants) *tenant.Resolver {
	return tenant.NewResolver(store,
		tenant.WithCollection(cfg.Collection),
		tenant.WithSessionField(cfg.SessionField),
	)
}
