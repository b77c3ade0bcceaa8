package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"orchard-mapper/internal/model"
)

func newDetectCommand() *cobra.Command {
	var (
		sourceID    string
		fieldID     string
		fromSpacing bool
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run canopy detection over a registered source",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			params := e.settings.Detection
			if fromSpacing {
				field, err := e.store.Field(cmd.Context(), fieldID)
				if err != nil {
					return err
				}
				params = model.ParamsFromSpacing(field.PlantingSpacingM)
			}

			runID, err := e.service.SubmitDetectionRun(cmd.Context(), sourceID, fieldID, params)
			if err != nil {
				return err
			}
			fmt.Printf("run %s\n", runID)
			if wait {
				e.pool.Wait()
				return printStatus(cmd, e, runID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceID, "source", "", "registered raster or point cloud ID")
	cmd.Flags().StringVar(&fieldID, "field", "", "registered field ID")
	cmd.Flags().BoolVar(&fromSpacing, "from-spacing", false, "derive size constraints from the field's planting spacing")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish")
	cmd.MarkFlagRequired("source") //nolint:errcheck
	cmd.MarkFlagRequired("field")  //nolint:errcheck
	return cmd
}

func newFuseCommand() *cobra.Command {
	var (
		fieldID string
		runIDs  []string
		partial bool
		wait    bool
	)
	cmd := &cobra.Command{
		Use:   "fuse",
		Short: "Fuse completed detection runs into the canonical inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			params := e.settings.Matching
			if partial {
				params.FullCoverage = false
			}
			runID, err := e.service.SubmitMatchingRun(cmd.Context(), fieldID, runIDs, params)
			if err != nil {
				return err
			}
			fmt.Printf("run %s\n", runID)
			if wait {
				e.pool.Wait()
				return printStatus(cmd, e, runID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fieldID, "field", "", "registered field ID")
	cmd.Flags().StringSliceVar(&runIDs, "run", nil, "completed detection run ID (repeatable)")
	cmd.Flags().BoolVar(&partial, "partial", false, "targeted re-run: never mark unobserved trees missing")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the run to finish")
	cmd.MarkFlagRequired("field") //nolint:errcheck
	cmd.MarkFlagRequired("run")   //nolint:errcheck
	return cmd
}

func newStatusCommand() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a detection or matching run",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()
			return printStatus(cmd, e, runID)
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run ID")
	cmd.MarkFlagRequired("run") //nolint:errcheck
	return cmd
}

func newMergeCommand() *cobra.Command {
	var (
		fieldID   string
		targetID  string
		sourceIDs []string
	)
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge duplicate canonical trees into one identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := newEnv(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.service.MergeTrees(cmd.Context(), fieldID, targetID, sourceIDs); err != nil {
				return err
			}
			fmt.Printf("merged %d trees into %s\n", len(sourceIDs), targetID)
			return nil
		},
	}
	cmd.Flags().StringVar(&fieldID, "field", "", "registered field ID")
	cmd.Flags().StringVar(&targetID, "target", "", "surviving tree ID")
	cmd.Flags().StringSliceVar(&sourceIDs, "source", nil, "duplicate tree ID to fold in (repeatable)")
	cmd.MarkFlagRequired("field")  //nolint:errcheck
	cmd.MarkFlagRequired("target") //nolint:errcheck
	cmd.MarkFlagRequired("source") //nolint:errcheck
	return cmd
}

func printStatus(cmd *cobra.Command, e *env, runID string) error {
	st, err := e.service.RunStatus(cmd.Context(), runID)
	if err != nil {
		return err
	}
	fmt.Printf("run %s: %s\n", st.RunID, st.Status)
	if st.Error != "" {
		fmt.Printf("  error: %s\n", st.Error)
	}
	if st.Metrics != nil {
		m := st.Metrics
		fmt.Printf("  trees: %d (%.1f/ha), mean canopy %.1f m, cover %.1f%%\n",
			m.TreeCount, m.TreesPerHa, m.MeanCanopyDiameterM, m.CanopyCoverFraction*100)
	}
	return nil
}
