package commands

import (
	"os"

	"github.com/spf13/cobra"

	cfg "github.com/tendermint/tm-projector/config"
)

// InitFilesCmd initializes a fresh projector home directory.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the projector home directory",
	RunE:  initFiles,
}

func initFiles(cmd *cobra.Command, args []string) error {
	// EnsureRoot in ParseConfig already wrote a default file; rewrite it
	// with what flags and environment resolved to
	configFile := cfg.ConfigFile(config.RootDir)
	if err := cfg.WriteConfigFile(config.RootDir, config); err != nil {
		return err
	}
	if _, err := os.Stat(configFile); err != nil {
		return err
	}
	logger.Info("Generated config file", "path", configFile)
	return nil
}
