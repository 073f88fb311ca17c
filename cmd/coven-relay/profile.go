// ABOUTME: migrate-profile command: prints a stored reply profile in the current shape
// ABOUTME: Reads legacy or current JSON and never rewrites the input file

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/profile"
)

func newMigrateProfileCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "migrate-profile",
		Short: "Convert a reply profile to the current shape",
		Example: `  coven-relay migrate-profile --file profile.json
  cat profile.json | coven-relay migrate-profile`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var raw []byte
			var err error
			if file == "" || file == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("reading profile: %w", err)
			}
			return migrateProfile(raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "profile JSON file (default stdin)")
	return cmd
}

func migrateProfile(raw []byte, out io.Writer) error {
	p, err := profile.Load(raw)
	if err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}
