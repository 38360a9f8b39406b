package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/resolvercore/confd/internal/confd/ccb"
)

var validateYAML bool

var validateCmd = &cobra.Command{
	Use:   "validate <ccb-file>",
	Short: "Validate a CCB file against the baseline category bits",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateYAML, "yaml", false, "print the validation summary as YAML instead of text")
}

type validateSummary struct {
	File      string `yaml:"file"`
	Version   int    `yaml:"version"`
	Records   int    `yaml:"records"`
	Valid     bool   `yaml:"valid"`
	Violation string `yaml:"violation,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	parsed, err := ccb.ParseLines(bufio.NewScanner(f))
	if err != nil {
		return err
	}

	summary := validateSummary{File: path, Version: parsed.Version, Records: len(parsed.Records), Valid: true}
	if valErr := ccb.Validate(parsed, ccb.BaselineBits(), ccb.BaselineHandling); valErr != nil {
		summary.Valid = false
		summary.Violation = valErr.Error()
	}

	if validateYAML {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(summary)
	}

	if summary.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (version %d, %d records)\n", path, summary.Version, summary.Records)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: invalid: %s\n", path, summary.Violation)
	return fmt.Errorf("validation failed")
}
