package main

import (
	"os"
	"path/filepath"

	cmd "github.com/tendermint/tm-projector/cmd/projector/commands"
	cfg "github.com/tendermint/tm-projector/config"
	"github.com/tendermint/tm-projector/libs/cli"
)

func main() {
	rootCmd := cmd.RootCmd
	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.RunProjectorCmd,
		cmd.StatusCmd,
		cmd.QueryCmd,
		cmd.ResetCmd,
		cmd.VersionCmd,
	)

	base := cli.PrepareBaseCmd(rootCmd, "PROJ", os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultProjectorDir)))
	cli.Execute(base)
}
