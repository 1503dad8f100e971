package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"testdrive/internal/artifacts"
	"testdrive/internal/suite"
	"testdrive/pkg/logging"
)

var listCmd = &cobra.Command{
	Use:   "list [name ...]",
	Short: "List the tests a run with the same flags would execute",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := discoveryOptions(args)
		if err != nil {
			return err
		}
		logging.Init(logging.ParseLevel(logLevel), os.Stderr)

		reg := suite.NewRegistry(artifacts.NewRegistry())
		if err := suite.Discover(cmd.Context(), reg, opts); err != nil {
			return err
		}
		for _, u := range reg.AllUnits() {
			fmt.Printf("%s %s\n", u.Mode(), u.UName())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	addDiscoveryFlags(listCmd.Flags())
}
