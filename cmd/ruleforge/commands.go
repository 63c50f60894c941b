package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ruleforge/ruleforge/internal/catalog"
	"github.com/ruleforge/ruleforge/internal/compiler"
	"github.com/ruleforge/ruleforge/internal/draft"
	"github.com/ruleforge/ruleforge/internal/importer"
	"github.com/ruleforge/ruleforge/internal/storage"
	"github.com/ruleforge/ruleforge/internal/types"
	"github.com/ruleforge/ruleforge/internal/validate"
)

const defaultTimeout = 2 * time.Minute

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCatalogCmd(configPath *string) *cobra.Command {
	var (
		group   string
		keyword string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the tests available to the condition stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			tests := e.catalog.Filter(catalog.Group(group), keyword)
			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, tests)
			}

			var current catalog.Group
			for _, def := range tests {
				if def.Group != current {
					current = def.Group
					fmt.Fprintf(out, "\n%s\n", catalog.GroupName(current))
				}
				params := make([]string, 0, len(def.Params))
				for _, p := range def.Params {
					params = append(params, p.Key)
				}
				fmt.Fprintf(out, "  %-22s %s", def.ID, def.Text)
				if len(params) > 0 {
					fmt.Fprintf(out, " (%s)", strings.Join(params, ", "))
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "\n%d test(s)\n", len(tests))
			return nil
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "Only list tests in this group")
	cmd.Flags().StringVar(&keyword, "keyword", "", "Only list tests whose text contains this keyword")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}

// loadDraft reads a draft document and resolves it against the catalog.
func loadDraft(e *env, path string) (*draft.Draft, error) {
	doc, err := draft.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return doc.Build(e.catalog, e.defaults)
}

func newCompileCmd(configPath *string) *cobra.Command {
	var preview bool
	cmd := &cobra.Command{
		Use:   "compile FILE",
		Short: "Compile a draft document to a rule query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			d, err := loadDraft(e, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if preview {
				fmt.Fprintln(out, compiler.Preview(d))
				return nil
			}
			aql, err := compiler.Compile(d)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, aql)
			return nil
		},
	}
	cmd.Flags().BoolVar(&preview, "preview", false, "Render placeholders for unconfigured parameters instead of failing")
	return cmd
}

func newValidateCmd(configPath *string) *cobra.Command {
	var stepName string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a draft document against a wizard step gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := types.ParseStep(stepName)
			if err != nil {
				return err
			}
			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			d, err := loadDraft(e, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			errs := validate.Validate(d, step)
			if len(errs) == 0 {
				fmt.Fprintf(out, "✓ %s: no validation errors\n", step.Label())
				return nil
			}
			for _, msg := range validate.Messages(errs) {
				fmt.Fprintf(out, "✗ %s\n", msg)
			}
			return fmt.Errorf("%s has %d validation error(s)", step.Label(), len(errs))
		},
	}
	cmd.Flags().StringVar(&stepName, "step", types.StepTestStack.String(), "Step gate to check (number or name)")
	return cmd
}

func newSubmitCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit FILE...",
		Short: "Walk draft documents through the wizard and save them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			logger := cliLogger()
			repo, closeRepo, err := openRepository(e.cfg, logger)
			if err != nil {
				return err
			}
			defer closeRepo()

			im, err := importer.New(e.cfg.Importer.Dir, e.catalog, repo, e.defaults, logger)
			if err != nil {
				return err
			}
			defer im.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				sub, err := im.ImportFile(ctx, path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "✗ %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "✓ %s → %s %s (%s)\n", path, sub.Kind, sub.ID, sub.Name)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d document(s) failed", failed, len(args))
			}
			return nil
		},
	}
}

func newRulesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect saved rules and building blocks",
	}

	var asJSON bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved rules and building blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath)
			if err != nil {
				return err
			}
			repo, closeRepo, err := openRepository(e.cfg, cliLogger())
			if err != nil {
				return err
			}
			defer closeRepo()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			rules, err := repo.ListRules(ctx)
			if err != nil {
				return err
			}
			blocks, err := repo.ListBuildingBlocks(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, map[string]interface{}{"rules": rules, "building_blocks": blocks})
			}
			fmt.Fprintf(out, "Rules (%d)\n", len(rules))
			fmt.Fprintln(out, "═════════")
			for _, r := range rules {
				status := "✓"
				if !r.Enabled {
					status = "✗"
				}
				fmt.Fprintf(out, "  [%s] %-14s  %-8s  %s\n", status, r.ID, r.Severity, r.Name)
			}
			fmt.Fprintf(out, "\nBuilding Blocks (%d)\n", len(blocks))
			fmt.Fprintln(out, "═══════════════════")
			for _, bb := range blocks {
				fmt.Fprintf(out, "  %-14s  %s\n", bb.ID, bb.Name)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	cmd.AddCommand(list)
	return cmd
}

// counter is implemented by the local store.
type counter interface {
	RuleCount(ctx context.Context) (int, error)
	BuildingBlockCount(ctx context.Context) (int, error)
}

// countEntities returns the number of saved rules and building blocks.
func countEntities(ctx context.Context, repo storage.RuleRepository) (int, int, error) {
	if c, ok := repo.(counter); ok {
		rules, err := c.RuleCount(ctx)
		if err != nil {
			return 0, 0, err
		}
		blocks, err := c.BuildingBlockCount(ctx)
		if err != nil {
			return 0, 0, err
		}
		return rules, blocks, nil
	}
	rules, err := repo.ListRules(ctx)
	if err != nil {
		return 0, 0, err
	}
	blocks, err := repo.ListBuildingBlocks(ctx)
	if err != nil {
		return 0, 0, err
	}
	return len(rules), len(blocks), nil
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and storage summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(*configPath)
			if err != nil {
				return fmt.Errorf("could not load config (run 'ruleforge init'): %w", err)
			}
			repo, closeRepo, err := openRepository(e.cfg, cliLogger())
			if err != nil {
				return fmt.Errorf("could not open storage: %w", err)
			}
			defer closeRepo()

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			rules, blocks, err := countEntities(ctx, repo)
			if err != nil {
				return fmt.Errorf("counting rules: %w", err)
			}

			cfg := e.cfg
			storageDesc := fmt.Sprintf("%s (%s)", cfg.Storage.Driver, cfg.Storage.DSN)
			if cfg.Remote.Enabled {
				storageDesc = "remote (" + cfg.Remote.BaseURL + ")"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "RuleForge Status")
			fmt.Fprintln(out, "════════════════")
			fmt.Fprintf(out, "  Storage:         %s\n", storageDesc)
			fmt.Fprintf(out, "  Rules:           %d\n", rules)
			fmt.Fprintf(out, "  Building Blocks: %d\n", blocks)
			fmt.Fprintf(out, "  Catalog Tests:   %d\n", e.catalog.Len())
			fmt.Fprintf(out, "  API:             %s\n", cfg.Server.ListenAddr)
			fmt.Fprintf(out, "  Tester:          %v\n", cfg.Tester.Enabled)
			fmt.Fprintf(out, "  Importer:        %v (%s)\n", cfg.Importer.Enabled, cfg.Importer.Dir)
			return nil
		},
	}
}
