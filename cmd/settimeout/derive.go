package main

import (
	"fmt"

	"github.com/sjwiesman/settimeout-go/pkg/greeter"
	"github.com/sjwiesman/settimeout-go/pkg/shortid"
	"github.com/sjwiesman/settimeout-go/pkg/statefun"
	"github.com/spf13/cobra"
)

var derivePaths bool

var deriveCmd = &cobra.Command{
	Use:   "derive <input>...",
	Short: "Print the short id of every input",
	Long:  "Print the short id of every input. With --path, inputs are request paths and the printed id is the object id their greeter logs with.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDerive,
}

func init() {
	deriveCmd.Flags().BoolVar(&derivePaths, "path", false, "Treat inputs as request paths")
}

func runDerive(cmd *cobra.Command, args []string) error {
	for _, input := range args {
		raw := input
		if derivePaths {
			raw = statefun.RawObjectID(statefun.Address{TypeName: greeter.FunctionType, Id: input})
		}

		token, err := shortid.Derive(raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", input, token)
	}
	return nil
}
