package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/tm-projector/version"
)

var verbose bool

// VersionCmd ...
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	Run: func(cmd *cobra.Command, args []string) {
		if verbose {
			values, _ := json.MarshalIndent(struct {
				Projector string `json:"projector"`
				Wire      string `json:"wire"`
			}{
				Projector: version.Version,
				Wire:      version.WireVersion,
			}, "", "  ")
			fmt.Println(string(values))
		} else {
			fmt.Println(version.Version)
		}
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show wire protocol version")
}
