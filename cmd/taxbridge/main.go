package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taxbridge/internal/config"
	"taxbridge/internal/db"
	"taxbridge/internal/engine"
	"taxbridge/internal/migrate"
	"taxbridge/internal/notify"
	"taxbridge/internal/repo"
	"taxbridge/internal/server"
	"taxbridge/internal/session"
	"taxbridge/internal/upstream"
)

var rootCmd = &cobra.Command{
	Use:   "taxbridge",
	Short: "Taxbridge CLI",
	Long: `Taxbridge files tax returns against the revenue authority on behalf of
phone-verified users. It guards every filing behind a short-lived session,
walks a run through identity validation, obligation checks, period
resolution, filing, and payment, and notifies the user of the outcome.
State lives in the .taxbridge workspace database; the session itself is a
signed token the client carries, never a server-side record.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TAXBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(configCmd())
}

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.Load(viper.GetString("workspace"))
}

func buildEngine(conn *sql.DB, cfg *config.Config) *engine.Engine {
	revenue := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
	revenue.Timeout = cfg.UpstreamTimeout()
	revenue.HeavyTimeout = cfg.UpstreamHeavyTimeout()
	notifier := notify.New(cfg.Notify.GatewayURL, cfg.Notify.DeepLinkBase)
	return engine.New(conn, cfg, revenue, notifier)
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the filing gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			e := buildEngine(conn, cfg)
			mgr := session.NewManager(cfg.Session.Secret, cfg.SessionTTL(), cfg.Session.VerifyPath, cfg.Session.PublicPathPrefixes)
			notifier := notify.New(cfg.Notify.GatewayURL, cfg.Notify.DeepLinkBase)
			handler, err := server.New(server.Config{
				Engine:   e,
				Sessions: mgr,
				Notifier: notifier,
				App:      cfg,
			})
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
			fmt.Printf("Serving taxbridge API on http://%s (OpenAPI at /openapi.json)\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Inspect filing runs",
	}
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsShowCmd())
	return runs
}

func runsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent filing runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phone", "Flow", "Status", "Period", "Amount", "Updated"})
				for _, run := range items {
					tw.AppendRow(table.Row{run.ID, run.Phone, run.Flow, run.Status, run.Period, run.Amount, run.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs to show")
	return cmd
}

func runsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one filing run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{
		Use:   "log",
		Short: "Event trail",
	}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, runID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&runID, "run-id", "", "run id filter")
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{
		Use:   "session",
		Short: "Session utilities",
	}
	sess.AddCommand(sessionMintCmd())
	return sess
}

func sessionMintCmd() *cobra.Command {
	var phone, name string
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a session token for a phone (dev helper)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if phone == "" {
				return fmt.Errorf("--phone required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mgr := session.NewManager(cfg.Session.Secret, cfg.SessionTTL(), cfg.Session.VerifyPath, cfg.Session.PublicPathPrefixes)
			token, err := mgr.Issue(phone, name)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var baseURL, secret string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taxbridge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL, secret)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "https://api.revenue.example", "upstream base URL")
	cmd.Flags().StringVar(&secret, "secret", "change-me", "session signing secret")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
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

func openDB() (*sql.DB, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
