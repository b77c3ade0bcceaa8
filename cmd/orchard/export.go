package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"orchard-mapper/internal/export"
)

func newExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export detections or the canonical inventory as GeoJSON",
	}
	cmd.AddCommand(newExportDetectionsCommand(), newExportTreesCommand())
	return cmd
}

func newExportDetectionsCommand() *cobra.Command {
	var (
		runID string
		out   string
	)
	cmd := &cobra.Command{
		Use:   "detections",
		Short: "Export one run's candidate detections",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			dets, err := e.store.DetectionsByRun(cmd.Context(), runID)
			if err != nil {
				return err
			}
			raw, err := export.Detections(dets)
			if err != nil {
				return err
			}
			return writeOutput(out, raw, len(dets))
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "detection run ID")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.MarkFlagRequired("run") //nolint:errcheck
	return cmd
}

func newExportTreesCommand() *cobra.Command {
	var (
		fieldID string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "trees",
		Short: "Export a field's canonical tree inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			trees, err := e.store.TreesByField(cmd.Context(), fieldID)
			if err != nil {
				return err
			}
			raw, err := export.Trees(trees)
			if err != nil {
				return err
			}
			return writeOutput(out, raw, len(trees))
		},
	}
	cmd.Flags().StringVar(&fieldID, "field", "", "registered field ID")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	cmd.MarkFlagRequired("field") //nolint:errcheck
	return cmd
}

func writeOutput(path string, raw []byte, features int) error {
	if path == "" {
		_, err := os.Stdout.Write(append(raw, '\n'))
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Printf("wrote %d features to %s\n", features, path)
	return nil
}
