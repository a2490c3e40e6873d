// Command carto preprocesses raw geospatial datasets into per-area
// feature collections.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/justapithecus/carto/carto"
	cartos3 "github.com/justapithecus/carto/carto/s3"
	"github.com/justapithecus/carto/internal/config"
	"github.com/justapithecus/carto/internal/logging"
)

var (
	configPath string
	jsonOutput bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "carto",
	Short:         "Preprocess raw geospatial datasets into partitioned feature collections",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the raw and processed directories",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		return svc.Setup()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List raw and processed datasets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		raws, err := svc.ListRawDatasets()
		if err != nil {
			return err
		}
		datasets, err := svc.ListDatasets()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, map[string]any{"raw": raws, "processed": datasets})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Raw datasets:")
		for _, r := range raws {
			format := string(r.Format)
			if r.Error != "" {
				format = "unsupported"
			}
			fmt.Fprintf(out, "  %s\t%s\t%s\n", r.Name, format, r.FilePath)
		}
		fmt.Fprintln(out, "Processed datasets:")
		for _, d := range datasets {
			fmt.Fprintf(out, "  %s\t%d partitions\t%d features\t%s\n",
				d.Name, len(d.Departements), d.FeatureCount, d.ProcessedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var preprocessCmd = &cobra.Command{
	Use:   "preprocess [name]",
	Short: "Preprocess one dataset, or every raw dataset",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			d, err := svc.Preprocess(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, d)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d partitions, %d features\n", d.Name, len(d.Partitions), d.FeatureCount)
			return nil
		}

		result, err := svc.PreprocessAll(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := printJSON(cmd, result); err != nil {
				return err
			}
		} else {
			for _, r := range result.Results {
				if r.Success {
					fmt.Fprintf(cmd.OutOrStdout(), "ok\t%s\t%d partitions\n", r.DatasetName, len(r.Departements))
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "fail\t%s\t%s\n", r.DatasetName, r.Error)
				}
			}
		}
		if result.Failed() > 0 {
			return fmt.Errorf("%d of %d datasets failed", result.Failed(), result.TotalDatasets)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether each raw dataset is up to date",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, _, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		statuses, err := svc.Status()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd, statuses)
		}
		for _, st := range statuses {
			state := "stale"
			switch {
			case st.Error != "":
				state = "error: " + st.Error
			case st.UpToDate:
				state = "up to date"
			}
			line := fmt.Sprintf("%s\t%s\t%s", st.Name, st.Format, state)
			if d := st.Processed; d != nil {
				line += fmt.Sprintf("\t%d partitions\t%d features\tprocessed %s",
					len(d.Partitions), d.FeatureCount, d.ProcessedAt.Format(time.RFC3339))
			}
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [name]",
	Short: "Remove processed artifacts of one dataset, or of all datasets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			return svc.Cleanup(cmd.Context(), args[0])
		}
		removed, err := svc.CleanupAll(cmd.Context())
		for _, name := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "removed\t%s\n", name)
		}
		return err
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <name>",
	Short: "Mirror a processed dataset to the configured S3 bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cfg, err := newService(cmd.Context())
		if err != nil {
			return err
		}
		if !cfg.S3.Enabled() {
			return fmt.Errorf("publish: no s3 bucket configured")
		}
		return svc.Publish(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON output")

	rootCmd.AddCommand(setupCmd, listCmd, preprocessCmd, statusCmd, cleanupCmd, publishCmd)
}

// newService loads configuration and wires the DatasetService.
func newService(ctx context.Context) (*carto.DatasetService, *config.Config, error) {
	config.LoadDotEnv(".env")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	opts := []carto.Option{carto.WithLogger(logging.Setup())}
	if cfg.S3.Enabled() {
		client, err := cartos3.NewClient(ctx, cartos3.ClientConfig{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		pub, err := cartos3.New(client, cartos3.Config{Bucket: cfg.S3.Bucket, Prefix: cfg.S3.Prefix})
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, carto.WithPublisher(pub))
	}

	svc, err := carto.NewDatasetService(cfg.ToCarto(), opts...)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
