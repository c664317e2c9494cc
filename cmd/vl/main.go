package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vaultline/internal/audit"
	"vaultline/internal/collab"
	"vaultline/internal/config"
	"vaultline/internal/detector"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/index"
	"vaultline/internal/server"
	"vaultline/internal/vault"
)

var rootCmd = &cobra.Command{
	Use:   "vl",
	Short: "Vaultline CLI",
	Long: `Vaultline coordinates work through a plain folder vault.
Records are markdown files; the folder a file sits in is its state. The
detector turns dropped files into actionable records, the orchestrator claims
them by moving them and consults a collaborator command for each one, and a
human approves or rejects anything with side effects by moving it (or running
vl approve / vl reject). Every transition lands in a per-day audit ledger
under Logs/.`,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("VAULTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("vault", "C", ".", "vault root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier recorded as claim owner")
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(reopenCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the vault folder layout and a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("vault")
			v := vault.New(root)
			if err := v.EnsureLayout(); err != nil {
				return err
			}
			path := config.Path(root)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config already present at %s\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			handbook := filepath.Join(root, "Company_Handbook.md")
			if _, err := os.Stat(handbook); os.IsNotExist(err) {
				stub := "# Company Handbook\n\nRules of engagement for the collaborator. Records that touch\nthe outside world must go through Pending_Approval.\n"
				if err := os.WriteFile(handbook, []byte(stub), 0o644); err != nil {
					return err
				}
			}
			fmt.Printf("initialized vault %q at %s\n", id, root)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "vault", "vault identifier")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the detector: turn files dropped in Inbox into records",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cfg, err := openVault()
			if err != nil {
				return err
			}
			ix, err := index.Open(v.Root)
			if err != nil {
				return err
			}
			defer ix.Close()
			d := detector.New(v, ix, audit.NewWriter(v.LogsDir()), cfg.Detector.StabilityCycles)
			err = d.Run(cmd.Context(), cfg.Detector.PollInterval.Std())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var once, withWatcher bool
	var interval, leaseTimeout time.Duration
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				e.Config.Orchestrator.PollInterval = config.Duration(interval)
			}
			if cmd.Flags().Changed("lease-timeout") {
				e.Config.Orchestrator.LeaseTimeout = config.Duration(leaseTimeout)
			}
			if cmd.Flags().Changed("max-attempts") {
				e.Config.Orchestrator.MaxAttempts = maxAttempts
			}
			if err := e.Config.Validate(); err != nil {
				return err
			}
			if once {
				stats, err := e.RunCycle(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			}
			if withWatcher {
				ix, err := index.Open(e.Vault.Root)
				if err != nil {
					return err
				}
				defer ix.Close()
				d := detector.New(e.Vault, ix, e.Audit, e.Config.Detector.StabilityCycles)
				go d.Run(cmd.Context(), e.Config.Detector.PollInterval.Std())
			}
			err = e.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle and exit")
	cmd.Flags().BoolVar(&withWatcher, "with-watcher", false, "also run the detector in this process")
	cmd.Flags().DurationVar(&interval, "interval", 0, "override orchestrator poll interval")
	cmd.Flags().DurationVar(&leaseTimeout, "lease-timeout", 0, "override claim lease timeout")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "override retry ceiling before quarantine")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record counts per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cfg, err := openVault()
			if err != nil {
				return err
			}
			counts, quarantined, err := v.StageCounts()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				out := map[string]any{"vault_id": cfg.Vault.ID, "quarantined": quarantined}
				stages := map[string]int{}
				for s, n := range counts {
					stages[string(s)] = n
				}
				out["stages"] = stages
				return printJSON(out)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Stage", "Folder", "Records"})
			for _, s := range domain.Stages() {
				tw.AppendRow(table.Row{string(s), s.Folder(), counts[s]})
			}
			tw.AppendFooter(table.Row{"quarantine", "Needs_Action/Quarantine", quarantined})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Inspect records"}
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordShowCmd())
	return rec
}

func recordListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <stage>",
		Short: "List records in a stage (or 'quarantine')",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := openVault()
			if err != nil {
				return err
			}
			var recs []domain.Record
			if args[0] == "quarantine" {
				recs, err = v.ListQuarantine()
			} else {
				stage := domain.Stage(args[0])
				if !stage.Valid() {
					return fmt.Errorf("unknown stage %q", args[0])
				}
				recs, err = v.List(stage)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(recs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Stem", "Priority", "Attempts", "Status"})
			for _, r := range recs {
				tw.AppendRow(table.Row{r.Meta.ID, r.Stem, string(r.Meta.Priority), r.Meta.Attempts, r.Meta.Status})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func recordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one record, wherever it sits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := openVault()
			if err != nil {
				return err
			}
			rec, err := v.Find(args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rec)
			}
			fmt.Printf("id:       %s\nstem:     %s\nstage:    %s\npriority: %s\nattempts: %d\npath:     %s\n",
				rec.Meta.ID, rec.Stem, rec.Stage, rec.Meta.Priority, rec.Meta.Attempts, rec.Path)
			if rec.Meta.LastError != "" {
				fmt.Printf("error:    %s\n", rec.Meta.LastError)
			}
			fmt.Println()
			fmt.Println(rec.Body)
			return nil
		},
	}
	return cmd
}

func approveCmd() *cobra.Command {
	return decideCmd("approve", "Approve a record awaiting approval", true)
}

func rejectCmd() *cobra.Command {
	return decideCmd("reject", "Reject a record awaiting approval", false)
}

func decideCmd(use, short string, approve bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			rec, err := e.HumanDecide(args[0], approve)
			if err != nil {
				return err
			}
			fmt.Printf("%sd %s -> %s\n", use, rec.Stem, rec.Stage.Folder())
			if err := e.PublishDashboard(); err != nil {
				fmt.Fprintln(os.Stderr, "dashboard:", err)
			}
			return nil
		},
	}
	return cmd
}

func reopenCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "reopen <id>",
		Short: "Create a follow-up record for a done or rejected one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			rec, err := e.Reopen(args[0], title)
			if err != nil {
				return err
			}
			return printJSONOrTable(rec)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title for the follow-up record")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit ledger"}
	lg.AddCommand(logTailCmd())
	lg.AddCommand(logPruneCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := openVault()
			if err != nil {
				return err
			}
			entries, err := audit.NewReader(v.LogsDir()).Tail(n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Time", "Actor", "Record", "Transition", "Outcome", "Reason"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.TS, string(e.Actor), e.RecordID,
					fmt.Sprintf("%s -> %s", e.From, e.To), string(e.Outcome), e.Reason})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func logPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit ledgers older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cfg, err := openVault()
			if err != nil {
				return err
			}
			if days == 0 {
				days = cfg.Audit.RetentionDays
			}
			removed, err := audit.Prune(v.LogsDir(), days, time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d ledger file(s) older than %d days\n", removed, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cfg, err := openVault()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			handler, err := server.New(server.Config{Vault: v, AppCfg: cfg, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("serving vault API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func openVault() (vault.Vault, *config.Config, error) {
	root := viper.GetString("vault")
	v := vault.New(root)
	if err := v.EnsureLayout(); err != nil {
		return vault.Vault{}, nil, err
	}
	cfg, err := config.LoadOptional(root, "vault")
	if err != nil {
		return vault.Vault{}, nil, err
	}
	return v, cfg, nil
}

func openEngine() (engine.Engine, error) {
	v, cfg, err := openVault()
	if err != nil {
		return engine.Engine{}, err
	}
	c := collab.Command{
		Argv:    cfg.Collaborator.Command,
		Timeout: cfg.Collaborator.Timeout.Std(),
		Dir:     v.Root,
	}
	e := engine.New(v, cfg, c)
	if actor := viper.GetString("actor-id"); actor != "" {
		e.RunID = actor
	}
	return e, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
