package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/config"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/database"
	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blacklist-sync",
		Short: "Distributed blacklist log, reconciler and sync agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newAgentCommand(),
		newRebuildCommand(),
		newAddCommand(),
		newRemoveCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN (overrides env)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	lookup := cmd.Flags().Lookup(flag)
	if lookup == nil {
		lookup = cmd.PersistentFlags().Lookup(flag)
	}
	if err := viper.BindPFlag(key, lookup); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// openStore opens the shared database for commands that only need storage.
func openStore(component string) (*gorm.DB, *zap.Logger, func(), error) {
	databaseConfig, err := config.LoadDatabase(viper.GetViper())
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.NewLogger(viper.GetString("log.level"), component)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := database.Open(databaseConfig, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
		_ = logger.Sync()
	}
	return db, logger, cleanup, nil
}
