// Command generate-schema writes the JSON schema of the configuration file.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/marmos91/efsmount/pkg/config"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := pflag.NewFlagSet("generate-schema", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	output := flags.StringP("output", "o", "efs-utils.schema.json", "Schema file to write (- for stdout)")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	data, err := config.JSONSchema()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "generate-schema: %v\n", err)
		return 1
	}

	if *output == "-" {
		_, _ = stdout.Write(append(data, '\n'))
		return 0
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "generate-schema: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Wrote %s\n", *output)
	return 0
}
