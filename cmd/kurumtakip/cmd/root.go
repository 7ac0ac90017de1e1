package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/musabulbul/kurumtakip/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kurumtakip",
	Short: "KurumTakip is a multi-tenant messaging session broker",
	Long: `Runs one messaging session per tenant, resolves tenants to sessions,
persists session credentials to blob storage and paces outgoing messages.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("KURUMTAKIP_CONFIG"), "Path to a TOML configuration file")
}

// loadConfig reads the configuration file and environment, then applies the
// flags the user set explicitly on cmd.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = addr
	}
	if flags.Changed("session-root") {
		cfg.SessionRoot = sessionRoot
	}
	if flags.Changed("tenant-backend") {
		cfg.Tenants.Backend = tenantBackend
	}
	if flags.Changed("db") {
		cfg.Tenants.Path = dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}
