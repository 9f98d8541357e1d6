package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/seiforesti/data-wave-sub007/internal/analytics"
	"github.com/seiforesti/data-wave-sub007/model"
)

// seriesFile is the document read by the analyze command.
//
//	series:
//	  - name: scan_latency_ms
//	    values: [120, 135, 150]
type seriesFile struct {
	Series []model.Series `yaml:"series"`
}

func newAnalyzeCmd() *cobra.Command {
	var (
		file     string
		insights bool
		horizon  int
		samples  int
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Correlate metric series from a YAML file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading %s: %w", file, err)
			}
			var doc seriesFile
			if err := yaml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parsing %s: %w", file, err)
			}

			engine := analytics.NewEngine(nil, zap.NewNop(), analytics.WithFullConfidenceSamples(samples))
			return analyze(cmd.Context(), cmd.OutOrStdout(), engine, doc.Series, insights, horizon)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a YAML series file")
	cmd.Flags().BoolVar(&insights, "insights", false, "also print insights derived from the correlations")
	cmd.Flags().IntVar(&horizon, "predict", 0, "forecast each series this many steps ahead (0 disables)")
	cmd.Flags().IntVar(&samples, "full-confidence-samples", 30, "sample size at which insight confidence is no longer discounted")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func analyze(ctx context.Context, out io.Writer, engine *analytics.Engine, series []model.Series, withInsights bool, horizon int) error {
	results, err := engine.AnalyzeCorrelations(series)
	if err != nil {
		return err
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetTitle("Correlations")
	tw.AppendHeader(table.Row{"Series A", "Series B", "r", "Strength", "n"})
	for _, r := range results {
		tw.AppendRow(table.Row{r.SeriesA, r.SeriesB, fmt.Sprintf("%.3f", r.Coefficient), r.Strength, r.SampleSize})
	}
	tw.Render()

	if withInsights {
		found := engine.GenerateInsights(ctx, results)
		iw := table.NewWriter()
		iw.SetOutputMirror(out)
		iw.SetTitle("Insights")
		iw.AppendHeader(table.Row{"Title", "Impact", "Confidence"})
		for _, in := range found {
			iw.AppendRow(table.Row{in.Title, in.Impact, fmt.Sprintf("%.2f", in.Confidence)})
		}
		if len(found) == 0 {
			iw.AppendRow(table.Row{"no moderate or strong correlations", "", ""})
		}
		iw.Render()
	}

	if horizon > 0 {
		pw := table.NewWriter()
		pw.SetOutputMirror(out)
		pw.SetTitle(fmt.Sprintf("Forecast (+%d)", horizon))
		pw.AppendHeader(table.Row{"Series", "Estimate", "Lower", "Upper", "Confidence"})
		for _, s := range series {
			p, err := engine.Predict(analytics.ModelLinear, s.Values, horizon)
			if err != nil {
				return fmt.Errorf("forecasting %s: %w", s.Name, err)
			}
			pw.AppendRow(table.Row{
				s.Name,
				fmt.Sprintf("%.3f", p.Estimate),
				fmt.Sprintf("%.3f", p.Lower),
				fmt.Sprintf("%.3f", p.Upper),
				fmt.Sprintf("%.2f", p.Confidence),
			})
		}
		pw.Render()
	}
	return nil
}
