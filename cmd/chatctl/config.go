package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatsync/pkg/connector"
)

var configCommand = &cli.Command{
	Name:   "config",
	Usage:  "Generate an example configuration file",
	Action: cmdConfig,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "-",
			Usage:   "Output file path (- for stdout)",
		},
	},
}

func cmdConfig(ctx *cli.Context) error {
	output := connector.ExampleConfig
	outputPath := ctx.String("output")
	if outputPath == "-" {
		fmt.Print(output)
		return nil
	}
	if err := os.WriteFile(outputPath, []byte(output), 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", outputPath, err)
	}
	fmt.Fprintf(os.Stderr, "Config written to %s\n", outputPath)
	return nil
}
