package gantry

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opnlabs/gantry/pkg/pipeline"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the pipeline file for definition errors",
	Run: func(cmd *cobra.Command, args []string) {
		if _, err := pipeline.Load(pipelinePath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("%s is valid\n", pipelinePath)
	},
}
