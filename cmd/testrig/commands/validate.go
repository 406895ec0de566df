package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/testrig/testrig/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a station configuration file",
		Long: `Validate a station configuration file.

This command checks:
  - YAML, JSON or CUE syntax
  - Unknown or misspelled fields
  - Field types and value ranges
  - Settings that require each other (e.g. a broker when broadcast is enabled)`,
		Example: `  # Validate the file given with --config
  testrig validate -c station.yaml

  # Validate a CUE file
  testrig validate station.cue`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no configuration file given")
			}

			log.Debug().Str("path", path).Msg("Validating configuration")

			out := cmd.OutOrStdout()
			cfg, err := config.Load(path)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					for _, v := range verrs {
						fmt.Fprintln(out, v.String())
					}
					return fmt.Errorf("%s: %d problem(s) found", path, len(verrs))
				}
				return err
			}

			if jsonOutput {
				return writeJSON(out, cfg)
			}
			fmt.Fprintf(out, "%s: configuration for station %q is valid\n", path, cfg.Station.Name)
			return nil
		},
	}

	return cmd
}
