package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"workdesk/internal/app"
	"workdesk/internal/config"
	"workdesk/internal/db"
	"workdesk/internal/domain"
	"workdesk/internal/engine"
	"workdesk/internal/repo"
	"workdesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wd",
	Short: "Workdesk CLI",
	Long: `Workdesk mediates work requests between requesters and workers.
- Users: requesters (role user), workers (role worker) and admins, kept in the workspace directory.
- Requests: a requester asks one worker for a job; it moves pending -> accepted/rejected -> completed, or the requester cancels it.
- Messages: requester, worker and admins talk on the request thread; messages are never edited or removed.
- History: every change is recorded in the event log ('wd request history').`,
	SilenceUsage: true,
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
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WORKDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("as", "", "act as this directory user")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	rootCmd.PersistentFlags().String("store-driver", "", "record store driver (sqlite|postgres)")
	rootCmd.PersistentFlags().String("postgres-url", "", "postgres connection url")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("as", rootCmd.PersistentFlags().Lookup("as"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("store-driver", rootCmd.PersistentFlags().Lookup("store-driver"))
	_ = viper.BindPFlag("postgres-url", rootCmd.PersistentFlags().Lookup("postgres-url"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workdesk.yml",
		Long:  "Config holds the server address, auth secret, record store driver and the lifecycle policy switches. Flags and WORKDESK_* variables override it.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default workdesk.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "********"
			}
			return printJSON(cfg)
		},
	}
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage the user directory"}
	u.AddCommand(userAddCmd())
	u.AddCommand(userListCmd())
	return u
}

func userAddCmd() *cobra.Command {
	var p domain.Profile
	var role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user, worker or admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, ok := domain.ParseRole(role)
			if !ok {
				return fmt.Errorf("--role must be user, worker or admin")
			}
			p.Role = r
			p.CreatedAt = time.Now().UTC()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Repo.InsertProfile(ctx, p); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&p.ID, "id", "", "user id")
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.Email, "email", "", "email")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "role (user|worker|admin)")
	cmd.Flags().StringVar(&p.WorkType, "work-type", "", "worker trade")
	cmd.Flags().StringVar(&p.Location, "location", "", "worker location")
	cmd.Flags().IntVar(&p.YearsExperience, "years", 0, "worker years of experience")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func userListCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directory users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListProfiles(ctx, domain.Role(role))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Work type", "Location", "Years"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Role, p.WorkType, p.Location, p.YearsExperience})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	return cmd
}

func requestCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "request",
		Short: "Work on requests as the --as user",
	}
	r.AddCommand(requestCreateCmd())
	r.AddCommand(requestListCmd())
	r.AddCommand(requestShowCmd())
	r.AddCommand(requestStatusCmd())
	r.AddCommand(requestMessageCmd())
	r.AddCommand(requestHistoryCmd())
	return r
}

func requestCreateCmd() *cobra.Command {
	var in engine.CreateInput
	var budget float64
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Ask a worker for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("budget") {
				in.Budget = &budget
			}
			if deadline != "" {
				d, err := time.Parse(time.RFC3339, deadline)
				if err != nil {
					return fmt.Errorf("--deadline must be RFC3339: %w", err)
				}
				in.Deadline = &d
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				id, err := a.Orchestrator.Create(ctx, p, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"request_id": id})
			})
		},
	}
	cmd.Flags().StringVar(&in.WorkerID, "worker", "", "worker id")
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.Location, "location", "", "job location")
	cmd.Flags().Float64Var(&budget, "budget", 0, "budget")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func requestListCmd() *cobra.Command {
	var asWorker bool
	var workerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List my requests, or a worker's with --as-worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				var items []domain.WorkRequest
				var err error
				if asWorker || workerID != "" {
					items, err = a.Orchestrator.ListForWorker(ctx, p, workerID)
				} else {
					items, err = a.Orchestrator.ListMine(ctx, p)
				}
				if err != nil {
					return err
				}
				return printRequests(items)
			})
		},
	}
	cmd.Flags().BoolVar(&asWorker, "as-worker", false, "list requests addressed to me")
	cmd.Flags().StringVar(&workerID, "worker", "", "list requests addressed to this worker (admin)")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request with its thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				r, err := a.Orchestrator.GetByID(ctx, p, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func requestStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <request-id> <accepted|rejected|completed|cancelled>",
		Short: "Change the status of a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				r, err := a.Orchestrator.ChangeStatus(ctx, p, args[0], domain.Status(args[1]))
				if err != nil {
					return err
				}
				return printRequests([]domain.WorkRequest{r})
			})
		},
	}
}

func requestMessageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "message <request-id> <content>",
		Short: "Post a message on a request",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args[1:], " ")
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				m, err := a.Orchestrator.AddMessage(ctx, p, args[0], content)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func requestHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <request-id>",
		Short: "Show the event log of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, a *app.App, p domain.Principal) error {
				events, err := a.Orchestrator.History(ctx, p, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, db.FormatTime(e.TS), e.Type, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Issue bearer tokens"}
	var userID string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Mint a JWT for a directory user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Repo.GetProfile(ctx, userID)
				if err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
				if ttl <= 0 {
					ttl = a.Config.Auth.TokenTTL
				}
				token, exp, err := server.SignToken(a.Config.Auth.JWTSecret, domain.Principal{ID: p.ID, Role: p.Role}, ttl, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"token": token, "expires_at": exp.Format(time.RFC3339)})
			})
		},
	}
	mint.Flags().StringVar(&userID, "user", "", "user id")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	_ = mint.MarkFlagRequired("user")
	t.AddCommand(mint)
	return t
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a directory user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Repo.CreateAPIKey(ctx, userID, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Store this key now; it is not shown again.")
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": key.ActorID, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")
	var id string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, id)
			})
		},
	}
	revoke.Flags().StringVar(&id, "id", "", "key id")
	_ = revoke.MarkFlagRequired("id")
	k.AddCommand(create, revoke)
	return k
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("base-path") {
					cfg.Server.BasePath = basePath
				}
				if cmd.Flags().Changed("dev-login") {
					cfg.Auth.DevLogin = devLogin
				}
				if cfg.Auth.JWTSecret == "" {
					return fmt.Errorf("WORKDESK_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Orchestrator: a.Orchestrator,
					Accounts:     a.Repo,
					BasePath:     cfg.Server.BasePath,
					Auth: server.AuthConfig{
						JWTSecret: cfg.Auth.JWTSecret,
						DevLogin:  cfg.Auth.DevLogin,
						TokenTTL:  cfg.Auth.TokenTTL,
						Logger:    a.Logger,
					},
					Logger: a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				if cfg.Auth.DevLogin {
					a.Logger.Warn("dev login enabled; anyone can mint tokens")
				}
				a.Logger.Info("serving workdesk api", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath, "driver", cfg.Store.Driver)
				fmt.Printf("Serving Workdesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	return cmd
}

// --- helpers ---

// loadConfig reads workdesk.yml and applies flag and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if viper.IsSet("jwt-secret") {
		cfg.Auth.JWTSecret = viper.GetString("jwt-secret")
	}
	if viper.IsSet("store-driver") && viper.GetString("store-driver") != "" {
		cfg.Store.Driver = viper.GetString("store-driver")
	}
	if viper.IsSet("postgres-url") && viper.GetString("postgres-url") != "" {
		cfg.Store.PostgresURL = viper.GetString("postgres-url")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withPrincipal(ctx context.Context, fn func(context.Context, *app.App, domain.Principal) error) error {
	userID := strings.TrimSpace(viper.GetString("as"))
	if userID == "" {
		return fmt.Errorf("--as is required (or set WORKDESK_AS)")
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		p, err := a.Repo.GetProfile(ctx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("user %s is not in the directory; add it with wd user add", userID)
		}
		if err != nil {
			return err
		}
		return fn(ctx, a, domain.Principal{ID: p.ID, Role: p.Role})
	})
}

func printRequests(items []domain.WorkRequest) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Requester", "Worker", "Messages", "Updated"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.RequesterID, r.WorkerID, len(r.Messages), db.FormatTime(r.UpdatedAt)})
	}
	tw.Render()
	return nil
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
