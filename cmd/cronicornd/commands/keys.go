package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/cronicorn/cronicorn/db"
	"github.com/cronicorn/cronicorn/logger"
	"github.com/cronicorn/cronicorn/signing"
)

var keysTenant string

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage per-tenant HMAC signing keys",
	Long: `Creates, rotates, and lists per-tenant signing keys. The raw key is
printed exactly once at create/rotate; only its SHA-256 hash and a display
prefix are stored. Hand the raw key to the daemon via
CRONICORN_SIGNING_KEY_<TENANT>.`,
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Generate a signing key for a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyStore(func(store *signing.KeyStore) error {
			key, err := signing.GenerateKey()
			if err != nil {
				return err
			}
			if err := store.Create(cmd.Context(), keysTenant, key); err != nil {
				return err
			}
			printKey(keysTenant, key)
			return nil
		})
	},
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Replace a tenant's signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyStore(func(store *signing.KeyStore) error {
			key, err := signing.GenerateKey()
			if err != nil {
				return err
			}
			if err := store.Rotate(cmd.Context(), keysTenant, key); err != nil {
				return err
			}
			printKey(keysTenant, key)
			return nil
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List signing key records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeyStore(func(store *signing.KeyStore) error {
			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := pterm.TableData{{"Tenant", "Prefix", "Created", "Rotated"}}
			for _, rec := range records {
				rotated := "-"
				if rec.RotatedAt != nil {
					rotated = rec.RotatedAt.Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{
					rec.TenantID,
					rec.KeyPrefix + "…",
					rec.CreatedAt.Format("2006-01-02 15:04"),
					rotated,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		})
	},
}

func init() {
	keysCmd.PersistentFlags().StringVar(&keysTenant, "tenant", "", "Tenant the key belongs to")
	keysCreateCmd.MarkFlagRequired("tenant")
	keysRotateCmd.MarkFlagRequired("tenant")
	keysCmd.AddCommand(keysCreateCmd, keysRotateCmd, keysListCmd)
	rootCmd.AddCommand(keysCmd)
}

func withKeyStore(fn func(*signing.KeyStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.ComponentLogger("keys")
	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.EnsureSchema(conn, log); err != nil {
		return err
	}

	return fn(signing.NewKeyStore(conn))
}

func printKey(tenant string, key *signing.GeneratedKey) {
	fmt.Printf("Signing key for tenant %s (shown once, store it now):\n\n", tenant)
	fmt.Printf("  %s\n\n", key.Encoded)
	fmt.Printf("Export it for the daemon:\n")
	fmt.Printf("  export %s%s=%s\n", signing.EnvKeyPrefix, strings.ToUpper(tenant), key.Encoded)
}
