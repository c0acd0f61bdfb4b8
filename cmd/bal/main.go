package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hido-network/bal/pkg/client"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	ledgerURL   string
	cfgFile     string
	adminSecret string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bal",
	Short: "HIDO block-audit ledger CLI",
	Long: `bal is the command-line interface for the HIDO block-audit ledger.

It inspects chains, runs integrity verification, exports blocks for
compliance tooling, and records actions for hosted actors.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.bal")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if ledgerURL == "" {
			ledgerURL = viper.GetString("ledger_url")
		}
		if ledgerURL == "" {
			ledgerURL = "http://localhost:8080"
		}
		if adminSecret == "" {
			adminSecret = viper.GetString("admin_secret")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.bal/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerURL, "ledger", "", "ledgerd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&adminSecret, "secret", "", "admin secret for operator endpoints")

	rootCmd.AddCommand(overviewCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if adminSecret != "" {
		opts = append(opts, client.WithAdminSecret(adminSecret))
	}
	return client.MustNew(ledgerURL, opts...)
}

// ── overview ─────────────────────────────────────────────────────────────────

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Show chain length and tip state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ov, err := newClient().Overview(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "LENGTH\t%d\n", ov.Length)
		fmt.Fprintf(w, "TIP INDEX\t%d\n", ov.TipIndex)
		fmt.Fprintf(w, "TIP HASH\t%s\n", ov.TipHash)
		fmt.Fprintf(w, "GENESIS\t%s\n", ov.GenesisHash)
		fmt.Fprintf(w, "CREATED\t%s\n", ov.CreatedAt.Format(time.RFC3339))
		return w.Flush()
	},
}

// ── get ──────────────────────────────────────────────────────────────────────

var getJSON bool

var getCmd = &cobra.Command{
	Use:   "get <index>",
	Short: "Fetch one block by index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var idx uint64
		if _, err := fmt.Sscanf(args[0], "%d", &idx); err != nil {
			return fmt.Errorf("invalid index %q", args[0])
		}
		b, err := newClient().GetBlock(cmd.Context(), idx)
		if err != nil {
			return err
		}
		if getJSON {
			return json.NewEncoder(os.Stdout).Encode(b)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "INDEX\t%d\n", b.Index)
		fmt.Fprintf(w, "TIME\t%s\n", time.Unix(0, b.Timestamp).UTC().Format(time.RFC3339Nano))
		fmt.Fprintf(w, "ACTOR\t%s\n", b.Actor)
		fmt.Fprintf(w, "PAYLOAD\t%s\n", b.Payload)
		fmt.Fprintf(w, "PREV\t%s\n", b.PrevHash)
		fmt.Fprintf(w, "HASH\t%s\n", b.ContentHash)
		return w.Flush()
	},
}

func init() {
	getCmd.Flags().BoolVar(&getJSON, "json", false, "Output raw JSON")
}

// ── history ──────────────────────────────────────────────────────────────────

var (
	historyActionType string
	historyLimit      int
)

var historyCmd = &cobra.Command{
	Use:   "history [actor]",
	Short: "List blocks by actor or action type",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var (
			blocks []*client.Block
			err    error
		)
		switch {
		case len(args) == 1:
			blocks, err = c.ActorHistory(cmd.Context(), args[0], historyLimit)
		case historyActionType != "":
			blocks, err = c.ActionsByType(cmd.Context(), historyActionType, historyLimit)
		default:
			return fmt.Errorf("provide an actor argument or --action-type")
		}
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tTIME\tACTOR\tPAYLOAD")
		for _, b := range blocks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
				b.Index,
				time.Unix(0, b.Timestamp).UTC().Format(time.RFC3339),
				b.Actor,
				b.Payload,
			)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyActionType, "action-type", "", "Filter by payload action-type prefix")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 100, "Maximum blocks to list")
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom uint64
	verifyTo   uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run an integrity verification on the daemon",
	Long: `Verify walks the chain recomputing every content hash and checking
linkage, index contiguity, timestamp monotonicity, and signatures.

Without flags the full chain is verified. --from/--to restrict the walk
to a spot-check range anchored on the stored predecessor hash.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var (
			res *client.VerifyResult
			err error
		)
		if verifyFrom != 0 || verifyTo != 0 {
			res, err = c.VerifyRange(cmd.Context(), verifyFrom, verifyTo)
		} else {
			res, err = c.Verify(cmd.Context())
		}
		if err != nil {
			return err
		}

		if res.Valid {
			fmt.Println("chain OK")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tKIND\tDETAIL")
		for _, v := range res.Violations {
			fmt.Fprintf(w, "%d\t%s\t%s\n", v.Index, v.Kind, v.Detail)
		}
		w.Flush()
		return fmt.Errorf("%d violation(s) found", len(res.Violations))
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 0, "Range start index")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Range end index (inclusive)")
}

// ── export ───────────────────────────────────────────────────────────────────

var (
	exportFormat     string
	exportOut        string
	exportFrom       uint64
	exportTo         uint64
	exportActor      string
	exportActionType string
	exportSince      string
	exportUntil      string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Stream blocks as JSON lines or CSV for compliance tooling",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := client.ExportFilter{
			FromIndex:  exportFrom,
			Actor:      exportActor,
			ActionType: exportActionType,
		}
		if cmd.Flags().Changed("to") {
			filter.ToIndex = &exportTo
		}
		if exportSince != "" {
			t, err := time.Parse(time.RFC3339, exportSince)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			filter.Since = t
		}
		if exportUntil != "" {
			t, err := time.Parse(time.RFC3339, exportUntil)
			if err != nil {
				return fmt.Errorf("invalid --until: %w", err)
			}
			filter.Until = t
		}

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			out = f
		}

		n, err := newClient().Export(cmd.Context(), out, exportFormat, filter)
		if err != nil {
			return err
		}
		if exportOut != "" {
			fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", n, exportOut)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output file (default stdout)")
	exportCmd.Flags().Uint64Var(&exportFrom, "from", 0, "Range start index")
	exportCmd.Flags().Uint64Var(&exportTo, "to", 0, "Range end index (inclusive)")
	exportCmd.Flags().StringVar(&exportActor, "actor", "", "Filter by actor DID")
	exportCmd.Flags().StringVar(&exportActionType, "action-type", "", "Filter by payload action-type prefix")
	exportCmd.Flags().StringVar(&exportSince, "since", "", "Earliest block time (RFC3339)")
	exportCmd.Flags().StringVar(&exportUntil, "until", "", "Latest block time (RFC3339)")
}

// ── append ───────────────────────────────────────────────────────────────────

var appendToken string

var appendCmd = &cobra.Command{
	Use:   "append <actor> <payload>",
	Short: "Record an action for a hosted actor",
	Long: `Append records one action block for an actor whose signing key is
hosted by the daemon. The payload convention is "action_type/details",
e.g. "analyze_data/finance".

Pass --idempotency-token to make retries safe: replaying a completed
append returns the original block reference without writing a duplicate.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, token, err := newClient().Append(cmd.Context(), args[0], []byte(args[1]), appendToken)
		if err != nil {
			return err
		}
		fmt.Printf("appended block %d\nhash  %s\ntoken %s\n", ref.Index, ref.Hash, token)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendToken, "idempotency-token", "", "Deduplication token for safe retries")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bal", version)
	},
}
