package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kalambet/obdbot/internal/api"
	"github.com/kalambet/obdbot/internal/app"
	"github.com/kalambet/obdbot/internal/config"
	"github.com/kalambet/obdbot/internal/diagnose"
	"github.com/kalambet/obdbot/internal/refdata"
	"github.com/kalambet/obdbot/internal/storage"
)

// --- lookup / search / random ---
//
// These read the reference tables directly and need neither the server nor
// the embedding model.

var lookupCmd = &cobra.Command{
	Use:   "lookup <code>",
	Short: "Explain an OBD-II trouble code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, f, err := loadLocal()
		if err != nil {
			return err
		}
		runLookup(cmd.OutOrStdout(), store, f, args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <keyword>",
	Short: "Find codes whose description contains a keyword",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, f, err := loadLocal()
		if err != nil {
			return err
		}
		return runSearch(cmd.OutOrStdout(), store, f, strings.Join(args, " "))
	},
}

var randomCmd = &cobra.Command{
	Use:   "random",
	Short: "Show a random code to learn",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, f, err := loadLocal()
		if err != nil {
			return err
		}
		runRandom(cmd.OutOrStdout(), store, f, rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
		return nil
	},
}

func loadLocal() (*refdata.Store, diagnose.Formatter, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, diagnose.Formatter{}, err
	}
	store, err := refdata.LoadFiles(cfg.Data.CodesFile, cfg.Data.ComplaintsFile)
	if err != nil {
		return nil, diagnose.Formatter{}, err
	}
	return store, formatterFor(cfg), nil
}

func formatterFor(cfg config.Config) diagnose.Formatter {
	return diagnose.Formatter{
		Threshold: float32(cfg.Matching.ConfidenceThreshold),
		MaxCauses: cfg.Matching.RandomMaxCauses,
	}
}

func runLookup(w io.Writer, store *refdata.Store, f diagnose.Formatter, code string) {
	res := diagnose.Resolution{Kind: diagnose.KindCodeNotFound, Query: code}
	if e, ok := store.LookupCode(code); ok {
		res.Kind = diagnose.KindCodeFound
		res.Code = e
	} else {
		res.Code.Code = refdata.NormalizeCode(code)
	}
	fmt.Fprintln(w, f.Format(res))
}

func runSearch(w io.Writer, store *refdata.Store, f diagnose.Formatter, keyword string) error {
	keyword = refdata.NormalizeText(keyword)
	if keyword == "" {
		return fmt.Errorf("keyword is required")
	}
	fmt.Fprintln(w, f.FormatSearch(keyword, store.SearchByKeyword(keyword)))
	return nil
}

func runRandom(w io.Writer, store *refdata.Store, f diagnose.Formatter, r *rand.Rand) {
	fmt.Fprintln(w, f.FormatRandom(store.Random(r)))
}

// --- ask ---

var askAlternatives int

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Ask the running server about a code or a symptom",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runAsk(cmd.Context(), cmd.OutOrStdout(), newAPIClient(cfg), strings.Join(args, " "), askAlternatives)
	},
}

func init() {
	askCmd.Flags().IntVarP(&askAlternatives, "alternatives", "n", 0, "also list the next N closest complaints")
}

func runAsk(ctx context.Context, w io.Writer, client *apiClient, text string, alternatives int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resp, err := client.post(ctx, "/v1/resolve", api.ResolveRequest{Text: text, Alternatives: alternatives})
	if err != nil {
		return err
	}

	var out api.ResolveResponse
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	fmt.Fprintln(w, out.Reply)
	if len(out.Alternatives) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Also possible:")
		for _, m := range out.Alternatives {
			fmt.Fprintf(w, "  %3d%%  %s\n", diagnose.Percent(m.Confidence), m.Complaint.Reference)
		}
	}
	return nil
}

// --- index ---

var indexPurge bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Bring the embedding model up and warm the complaint embedding cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runIndex(cmd.Context(), cfg, app.Options{}, indexPurge)
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexPurge, "purge", false, "drop cached vectors before embedding")
}

func runIndex(ctx context.Context, cfg config.Config, opts app.Options, purge bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if purge {
		if cfg.Cache.Backend != "sqlite" && cfg.Cache.Backend != "" {
			printWarning("--purge only applies to the sqlite cache (cache.backend=%s)", cfg.Cache.Backend)
		} else {
			s, err := storage.Open(cfg.Storage.DataDir)
			if err != nil {
				return err
			}
			err = s.PurgeVectors(ctx)
			s.Close()
			if err != nil {
				return fmt.Errorf("purging cached vectors: %w", err)
			}
			printStep("Cached vectors purged")
		}
	}

	var bar *progressbar.ProgressBar
	opts.Progress = func(done, total int) {
		if bar == nil {
			bar = newProgressBar(total, "Embedding complaints")
		}
		_ = bar.Set(done)
	}
	if opts.Out == nil {
		opts.Out = stderr
	}

	printStep("Preparing %s via %s", cfg.Embedding.Model, cfg.Embedding.Backend)
	a, err := app.New(ctx, cfg, opts)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}
	defer a.Close()

	printSuccess("Embedded %d complaints (dim %d)", a.Matcher.Len(), a.Matcher.Dim())
	if n, ok := a.CachedVectors(ctx); ok {
		printStatus("Cached vectors", "%d", n)
	}
	return nil
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(stderr, "\n")
		}),
	)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage obdbot configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		runConfigShow(cmd.OutOrStdout(), cfg)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so the default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
}

func runConfigShow(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "# file: %s\n", config.FilePath())
	for _, ki := range config.ShowAll(cfg) {
		fmt.Fprintf(w, "%-32s %-36s (%s)\n", ki.Key, ki.Value, ki.EnvVar)
	}
	if cfg.Telegram.BotToken != "" {
		fmt.Fprintf(w, "%-32s %-36s (%s)\n", "telegram.bot_token", "<set>", "TELEGRAM_BOT_TOKEN")
	}
}
