package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vigil-dev/vigil/internal/config"
	"github.com/vigil-dev/vigil/internal/corememory"
	"github.com/vigil-dev/vigil/internal/history"
	"github.com/vigil-dev/vigil/internal/memory"
	"github.com/vigil-dev/vigil/internal/projection"
	"github.com/vigil-dev/vigil/internal/reflection"
	"github.com/vigil-dev/vigil/internal/workspace"
	"github.com/vigil-dev/vigil/pkg/models"
)

// openWorkspace resolves the data dir and makes sure the per-user
// store directories exist.
func openWorkspace() (*workspace.Workspace, error) {
	ws, err := workspace.New(flagDataDir)
	if err != nil {
		return nil, err
	}
	if err := ws.EnsureUserDirs(flagUserID); err != nil {
		return nil, err
	}
	return ws, nil
}

func buildMemoryCmd() *cobra.Command {
	var (
		showAll bool
		query   string
		limit   int
	)
	cmd := &cobra.Command{
		Use:       "memory [core|projections|archival|all]",
		Short:     "Inspect the memory stores",
		Long:      "Prints core memory, open projections, and archival facts without starting the assistant.",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"core", "projections", "archival", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			scope := "all"
			if len(args) == 1 {
				scope = args[0]
			}
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if scope == "core" || scope == "all" {
				if err := printCore(out, ws); err != nil {
					return err
				}
			}
			if scope == "projections" || scope == "all" {
				if err := printProjections(cmd, out, ws, showAll); err != nil {
					return err
				}
			}
			if scope == "archival" || scope == "all" {
				if err := printArchival(cmd, out, ws, query, limit); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showAll, "all", false, "include done/cancelled/passed projections")
	cmd.Flags().StringVar(&query, "query", "", "search archival memory instead of listing recent facts")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum archival entries to print")
	return cmd
}

func printCore(out io.Writer, ws *workspace.Workspace) error {
	doc := corememory.New(ws.CoreMemoryPath())
	content, err := doc.Read()
	if err != nil {
		return fmt.Errorf("read core memory: %w", err)
	}
	fmt.Fprintln(out, "== Core memory ==")
	if strings.TrimSpace(content) == "" {
		fmt.Fprintln(out, "(empty)")
	} else {
		fmt.Fprintln(out, strings.TrimRight(content, "\n"))
	}
	fmt.Fprintln(out)
	return nil
}

func printProjections(cmd *cobra.Command, out io.Writer, ws *workspace.Workspace, includeTerminal bool) error {
	store, err := projection.Open(ws.ProjectionsDBPath(flagUserID))
	if err != nil {
		return fmt.Errorf("open projection store: %w", err)
	}
	defer store.Close()

	items, err := store.List(cmd.Context(), includeTerminal)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "== Projections ==")
	if len(items) == 0 {
		fmt.Fprintln(out, "(none)")
	}
	for _, p := range items {
		fmt.Fprintln(out, formatProjectionLine(p))
	}
	fmt.Fprintln(out)
	return nil
}

func formatProjectionLine(p *models.Projection) string {
	when := "someday"
	switch {
	case p.ResolvedWhen != "":
		when = p.ResolvedWhen
		if p.Recurrence != "" {
			when += " (repeats " + p.Recurrence + ")"
		}
	case p.TriggerOnFact != "":
		when = "on fact: " + p.TriggerOnFact
	}
	line := fmt.Sprintf("[%s] %s | %s (id %s)", p.Status, p.Summary, when, p.ID)
	if p.RawWhen != "" {
		line += fmt.Sprintf(" [said: %q]", p.RawWhen)
	}
	return line
}

func printArchival(cmd *cobra.Command, out io.Writer, ws *workspace.Workspace, query string, limit int) error {
	store, err := memory.Open(ws.MemoryDBPath(flagUserID))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	fmt.Fprintln(out, "== Archival memory ==")
	if query != "" {
		matches, err := store.HybridSearch(cmd.Context(), query, limit, nil)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Fprintln(out, "(no matches)")
		}
		for _, m := range matches {
			fmt.Fprintf(out, "[%s] %s (%s %.2f, recorded %s)\n",
				m.Fact.Source, m.Fact.Content, m.MatchedBy, m.Score,
				m.Fact.CreatedAt.UTC().Format("2006-01-02 15:04"))
		}
		return nil
	}

	facts, err := store.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Fprintln(out, "(empty)")
	}
	for _, f := range facts {
		fmt.Fprintf(out, "[%s] %s (recorded %s)\n",
			f.Source, f.Content, f.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	return nil
}

func buildReflectCmd() *cobra.Command {
	var window int
	cmd := &cobra.Command{
		Use:   "reflect",
		Short: "Run one reflection pass over recent conversation",
		Long:  "Reads the history window, extracts commitments with the configured model, and writes them to the projection store.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			cfg, err := config.Load(ws.ConfigPath())
			if err != nil {
				return err
			}

			providerSet, err := buildProviders(cfg)
			if err != nil {
				return err
			}
			chain, err := buildChain(cfg, providerSet, cfg.ModelChain(), nil, nil)
			if err != nil {
				return err
			}

			projections, err := projection.Open(ws.ProjectionsDBPath(flagUserID))
			if err != nil {
				return fmt.Errorf("open projection store: %w", err)
			}
			defer projections.Close()

			hist := history.NewLog(ws.HistoryDir())
			defer hist.Close()

			model := cfg.Agent.ReflectionModel
			if model == "" {
				model = cfg.Agent.Model
			}
			pass := reflection.New(hist, projections, chain,
				reflection.WithModel(model),
				reflection.WithWindowMinutes(window))
			if err := pass.Run(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "reflection pass complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&window, "window", 30, "history window in minutes")
	return cmd
}

func buildArchiveFactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive-fact \"<content>\"",
		Short: "Insert a fact into archival memory",
		Long:  "Writes one fact and reports any projection triggers it fires. Matching is keyword-only from the command line.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.TrimSpace(args[0])
			if content == "" {
				return fmt.Errorf("fact content is empty")
			}
			ws, err := openWorkspace()
			if err != nil {
				return err
			}

			facts, err := memory.Open(ws.MemoryDBPath(flagUserID))
			if err != nil {
				return fmt.Errorf("open memory store: %w", err)
			}
			defer facts.Close()

			projections, err := projection.Open(ws.ProjectionsDBPath(flagUserID))
			if err != nil {
				return fmt.Errorf("open projection store: %w", err)
			}
			defer projections.Close()

			ctx := cmd.Context()
			id, err := facts.Add(ctx, content, models.SourceCLI, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "archived %s\n", id)

			activated, err := projections.CheckTriggers(ctx, content, nil, projection.DefaultTriggerThreshold)
			if err != nil {
				return fmt.Errorf("trigger check: %w", err)
			}
			for _, p := range activated {
				fmt.Fprintf(out, "triggered: %s (id %s)\n", p.Summary, p.ID)
			}
			return nil
		},
	}
}
