package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kalambet/chatflow/internal/api"
	"github.com/kalambet/chatflow/internal/config"
	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/ingest"
	"github.com/kalambet/chatflow/internal/pipeline"
)

func writeIndented(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// --- ask ---

func newAskCmd() *cobra.Command {
	var async, asJSON bool
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send a chat message through the pipeline",
		Long: `Send a chat message through the pipeline and print the answer.

Examples:
  chatflow ask "what failed in production last month?"
  chatflow ask --async "summarize staging errors"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := strings.Join(args, " ")

			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/v1/chat", api.ChatRequest{Message: msg, Wait: !async})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if async {
				var accepted api.ChatAccepted
				if err := decodeJSON(resp, &accepted); err != nil {
					return err
				}
				printSuccess("Flow %s is processing", accepted.FlowID)
				fmt.Fprintln(out, accepted.FlowID)
				return nil
			}

			var c pipeline.Completion
			if err := decodeJSON(resp, &c); err != nil {
				return err
			}
			if asJSON {
				return writeIndented(out, c)
			}
			printCompletion(out, c)
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "return the flow id without waiting for the answer")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full completion as JSON")
	return cmd
}

func printCompletion(w io.Writer, c pipeline.Completion) {
	fmt.Fprintln(w, c.Response)
	printStatus("Flow", "%s", c.FlowID)
	printStatus("Filter", "%s", c.Filter.String())
	printStatus("Context", "%d items", len(c.Context))
	if c.Degraded() {
		printWarning("degraded: %s fell back", strings.Join(c.Fallbacks, ", "))
	}
}

// --- flows ---

func newFlowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Inspect completed flows",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/flows?limit=%d", limit))
			if err != nil {
				return err
			}
			var flows []api.FlowResponse
			if err := decodeJSON(resp, &flows); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(flows) == 0 {
				fmt.Fprintln(out, "No flows found.")
				return nil
			}
			for _, f := range flows {
				fmt.Fprintf(out, "%s  %s  %-9s %s\n",
					colorize(colorCyan, f.ID),
					f.CreatedAt.Format(time.RFC3339),
					f.Status,
					truncateRunes(f.Message, 80),
				)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of flows to list")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a single flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.get(cmd.Context(), "/v1/flows/"+args[0])
			if err != nil {
				return err
			}
			var f api.FlowResponse
			if err := decodeJSON(resp, &f); err != nil {
				return err
			}
			return writeIndented(cmd.OutOrStdout(), f)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

// --- trace ---

func newTraceCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "trace <flow-id>",
		Short: "Show the stage spans recorded for a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.get(cmd.Context(), "/v1/flows/"+args[0]+"/trace")
			if err != nil {
				return err
			}
			var tr api.TraceResponse
			if err := decodeJSON(resp, &tr); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndented(out, tr)
			}
			fmt.Fprintf(out, "%s\n", colorize(colorBold, "Flow "+tr.FlowID))
			for _, sp := range tr.Spans {
				status := string(sp.Status)
				if status == "" {
					status = "running"
				}
				fmt.Fprintf(out, "  %-16s %-8s %8s", sp.Stage, status, sp.Duration().Round(time.Millisecond))
				if sp.Error != "" {
					fmt.Fprintf(out, "  %s", colorize(colorRed, sp.Error))
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print spans with their inputs and outputs as JSON")
	return cmd
}

// --- filters ---

type filtersPreview struct {
	filters.Extraction
	Expression *filters.Expression `json:"expression"`
	Readable   string              `json:"readable"`
	Qdrant     map[string]any      `json:"qdrant_filter,omitempty"`
}

func newFiltersCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "filters <query>",
		Short: "Preview the filters extracted from a query (offline, pattern strategy)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			ext := filters.NewPatternExtractor().Extract(cmd.Context(), query)
			expr := filters.Build(ext.Date, ext.Metadata)
			preview := filtersPreview{
				Extraction: ext,
				Expression: expr,
				Readable:   expr.String(),
				Qdrant:     expr.Qdrant(),
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeIndented(out, preview)
			}
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Query:"), ext.Query)
			fmt.Fprintf(out, "%s %s\n", colorize(colorBold, "Filter:"), preview.Readable)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print filters, expression and Qdrant filter as JSON")
	return cmd
}

// --- ingest ---

func newIngestCmd() *cobra.Command {
	var file string
	var queue bool
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest entries and insights into the vector store",
		Long: `Ingest entries and insights from a .jsonl or .csv file.

By default records are embedded and stored directly in batches. With --queue
each record is sent to the running server's ingest queue instead.

Examples:
  chatflow ingest --file history.jsonl
  chatflow ingest --file insights.csv --queue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			docs, err := ingest.ReadFile(file)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				printWarning("%s contains no records", file)
				return nil
			}
			if queue {
				return queueDocuments(cmd.Context(), docs)
			}
			return loadDocuments(cmd.Context(), file, docs)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to a .jsonl or .csv file")
	cmd.Flags().BoolVar(&queue, "queue", false, "send records to the server's ingest queue")
	return cmd
}

func queueDocuments(ctx context.Context, docs []ingest.Document) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var queued, rejected int
	for i, d := range docs {
		resp, err := client.post(ctx, "/v1/entries", d)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			printError("record %d: %v", i+1, err)
			rejected++
			continue
		}
		queued++
	}
	printSuccess("Queued %d records", queued)
	if rejected > 0 {
		return fmt.Errorf("%d of %d records rejected", rejected, len(docs))
	}
	return nil
}

func loadDocuments(ctx context.Context, file string, docs []ingest.Document) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	printStep("Embedding %d records from %s", len(docs), file)
	loader := ingest.NewLoader(a.embedder, a.vectors, cfg.Ingest.BatchSize, "file")
	stats, err := loader.Load(ctx, docs)
	if err != nil {
		if stats.Loaded > 0 {
			printWarning("%d records stored before the failure", stats.Loaded)
		}
		return err
	}
	printSuccess("Loaded %d records in %d batches (%d skipped)", stats.Loaded, stats.Batches, stats.Skipped)
	return nil
}

// --- config ---

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or update configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", config.ConfigFilePath())
			for _, k := range config.ShowAll(cfg) {
				fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
			}
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if err := config.SetKey(key, value); err != nil {
				if errors.Is(err, config.ErrUnknownKey) {
					return errors.Join(err, fmt.Errorf("valid keys: %s", strings.Join(config.ValidKeys(), ", ")))
				}
				return err
			}
			printSuccess("Set %s = %s", key, value)
			return nil
		},
	}

	unset := &cobra.Command{
		Use:   "unset <key>",
		Short: "Remove a configuration value so its default applies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.UnsetKey(args[0]); err != nil {
				return err
			}
			printSuccess("Unset %s", args[0])
			return nil
		},
	}

	cmd.AddCommand(show, set, unset)
	return cmd
}
