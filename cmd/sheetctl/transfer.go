package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/internal/admin"
	"github.com/dgnsrekt/fieldsync/internal/source"
)

// transferTimeoutFactor scales poll.timeout for whole-dataset transfers.
const transferTimeoutFactor = 6

func importCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "import FILE.geojson",
		Short: "Replace the source contents with the points of a GeoJSON file",
		Long: `Replace the source contents with the points of a GeoJSON FeatureCollection.

WARNING: this clears the existing dataset before writing.

Each Point feature becomes one row with the columns:
  Longitude, Latitude, Verified Status, Pedestrian Markings,
  Crossing Signal, Other Features, Notes

Examples:
  # Import after an interactive confirmation
  sheetctl import crossings.geojson

  # Import without asking
  sheetctl import --yes crossings.geojson`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := source.New(cfg.Source, cfg.Poll.Timeout*transferTimeoutFactor, logger)
			if err != nil {
				return err
			}

			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
					fmt.Sprintf("This clears %s. Continue? [y/N] ", source.Name(cfg.Source)))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("import cancelled")
				}
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[0], err)
			}
			defer f.Close()

			res, err := admin.ImportGeoJSON(cmd.Context(), f, backend, logger)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d points (%d non-point features skipped)\n", res.Written, res.Skipped)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func exportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the source contents as a GeoJSON FeatureCollection",
		Long: `Write the source contents as a GeoJSON FeatureCollection of points.

Rows without numeric Longitude/Latitude are skipped.

Examples:
  # Print to stdout
  sheetctl export

  # Write to a file
  sheetctl export -o crossings.geojson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := source.New(cfg.Source, cfg.Poll.Timeout*transferTimeoutFactor, logger)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err := admin.ExportGeoJSON(cmd.Context(), backend, cmd.OutOrStdout(), logger)
				return err
			}

			return exportToFile(cmd, backend, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

// exportToFile writes through a temp file so a failed export never leaves a
// truncated file behind.
func exportToFile(cmd *cobra.Command, backend admin.Fetcher, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*.geojson")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	res, err := admin.ExportGeoJSON(cmd.Context(), backend, tmp, logger)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	logger.Info("export written", zap.String("path", path))
	fmt.Fprintf(cmd.OutOrStdout(), "exported %d points to %s (%d rows skipped)\n", res.Written, path, res.Skipped)
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
