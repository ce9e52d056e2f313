package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"opsqueue/internal/app"
	"opsqueue/internal/config"
	"opsqueue/internal/db"
	"opsqueue/internal/domain"
	"opsqueue/internal/engine"
	"opsqueue/internal/migrate"
	"opsqueue/internal/server"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "opsq",
	Short: "Ops queue CLI",
	Long: `opsq runs the production queue of a small agency.
- Feed: leads.json and profiles.json exported from the CRM; closed and unpaid leads become queue items.
- Professionals: roster members with specialties, capacity and scores; operator tuning survives feed syncs.
- Queue: items move waiting -> assigned -> in_production -> delivered, never backward.
- Automation: a periodic sweep assigns waiting work to the least loaded eligible professional.
- Storage: the remote database when provisioned (opsq remote migrate), a local JSON file otherwise.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		l, err := app.NewLogger(viper.GetBool("debug"))
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
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
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSQUEUE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/opsqueue.yml)")
	rootCmd.PersistentFlags().Bool("debug", false, "development logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(proCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the feed watcher and the automation sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = cfg.Server.BasePath
			}
			a, err := app.New(app.Options{
				Workspace: viper.GetString("workspace"),
				Config:    cfg,
				Logger:    logger,
				Watch:     true,
			})
			if err != nil {
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error("final persist failed", zap.Error(err))
				}
			}()

			reg := prometheus.NewRegistry()
			reg.MustRegister(a.Metrics, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			handler, err := server.New(server.Config{
				Ops:      a.Controller,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt_secret")},
				Logger:   logger.Named("http"),
				Gatherer: reg,
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
			logger.Info("serving ops queue API",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.String("mode", string(a.Controller.Mode())))
			fmt.Printf("Serving Ops Queue API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show storage mode, versions and queue counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap := a.Controller.Snapshot()
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				st := a.Controller.Status()
				fmt.Printf("mode: %s\nversion: %d (persisted %d)\nprofessionals: %d\n", st.Mode, st.Version, st.PersistedVersion, len(snap.State.Professionals))
				counts := map[domain.QueueStatus]int{}
				for _, q := range snap.State.Queue {
					counts[q.Status]++
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Items"})
				for _, s := range []domain.QueueStatus{domain.StatusWaiting, domain.StatusAssigned, domain.StatusInProduction, domain.StatusDelivered} {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect and drive the production queue"}
	q.AddCommand(queueListCmd())
	q.AddCommand(queueAddCmd())
	q.AddCommand(queueAssignCmd())
	q.AddCommand(queueStatusCmd())
	return q
}

func queueListCmd() *cobra.Command {
	var status, specialty string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap := a.Controller.Snapshot()
				var items []domain.QueueItem
				for _, q := range snap.State.Queue {
					if status != "" && string(q.Status) != status {
						continue
					}
					if specialty != "" && string(q.Specialty) != specialty {
						continue
					}
					items = append(items, q)
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Lead", "Service", "Specialty", "Status", "Professional"})
				for _, q := range items {
					pro := "-"
					if q.AssignedProfessionalID != nil {
						pro = *q.AssignedProfessionalID
						if p, ok := snap.State.Professionals[pro]; ok {
							pro = p.Name
						}
					}
					tw.AppendRow(table.Row{q.ID, q.LeadName, q.ServiceType, q.Specialty.Label(), q.Status, pro})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&specialty, "specialty", "", "filter by specialty")
	return cmd
}

func queueAddCmd() *cobra.Command {
	var in engine.ManualItem
	var specialty string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a manual queue item and try to assign it",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Specialty = domain.Specialty(specialty)
			if specialty == "" {
				in.Specialty = engine.GuessSpecialty(in.ServiceType)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				_, res, err := a.Controller.AddManualItem(ctx, in)
				if err != nil {
					return err
				}
				return printAssignments(res)
			})
		},
	}
	cmd.Flags().StringVar(&in.LeadID, "lead-id", "", "lead id")
	cmd.Flags().StringVar(&in.LeadName, "lead-name", "", "lead name")
	cmd.Flags().StringVar(&in.ServiceType, "service", "", "service description")
	cmd.Flags().StringVar(&specialty, "specialty", "", "specialty (guessed from --service when empty)")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "notes")
	_ = cmd.MarkFlagRequired("lead-id")
	return cmd
}

func queueAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <specialty>",
		Short: "Assign the oldest waiting item of a specialty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				_, res, err := a.Controller.AssignNext(ctx, domain.Specialty(args[0]))
				if err != nil {
					return err
				}
				return printAssignments(res)
			})
		},
	}
	return cmd
}

func queueStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <queue-id> <status>",
		Short: "Move a queue item forward",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				_, tr, err := a.Controller.UpdateQueueStatus(ctx, args[0], domain.QueueStatus(args[1]))
				if err != nil {
					return err
				}
				switch tr.Outcome {
				case engine.UnknownItem:
					return fmt.Errorf("queue item %s not found", args[0])
				case engine.Rejected:
					return errors.New(tr.Reason)
				}
				return printJSONOrTable(tr)
			})
		},
	}
	return cmd
}

func proCmd() *cobra.Command {
	p := &cobra.Command{Use: "pro", Short: "Manage professionals"}
	p.AddCommand(proListCmd())
	p.AddCommand(proUpdateCmd())
	p.AddCommand(proRemoveCmd())
	return p
}

func proListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List professionals in fairness order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap := a.Controller.Snapshot()
				pros := make([]domain.Professional, 0, len(snap.State.Professionals))
				for _, p := range snap.State.Professionals {
					pros = append(pros, p)
				}
				pros = engine.SortProfessionals(pros)
				if viper.GetBool("json") {
					return printJSON(pros)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Specialties", "Jobs", "Quality", "SLA", "Available"})
				for _, p := range pros {
					labels := make([]string, 0, len(p.Specialties))
					for _, s := range p.Specialties {
						labels = append(labels, s.Label())
					}
					tw.AppendRow(table.Row{p.ID, p.Name, strings.Join(labels, ", "), fmt.Sprintf("%d/%d", p.ActiveJobs, p.MaxActiveJobs), p.QualityScore, p.SLAScore, p.IsAvailable})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func proUpdateCmd() *cobra.Command {
	var specialties []string
	var activeJobs, maxJobs, quality, sla int
	var available bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Tune a professional",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.ProfessionalPatch
			if cmd.Flags().Changed("specialties") {
				for _, s := range specialties {
					sp := domain.Specialty(strings.TrimSpace(s))
					if !sp.Valid() {
						return fmt.Errorf("invalid specialty %q", s)
					}
					patch.Specialties = append(patch.Specialties, sp)
				}
			}
			if cmd.Flags().Changed("active-jobs") {
				patch.ActiveJobs = &activeJobs
			}
			if cmd.Flags().Changed("max-jobs") {
				patch.MaxActiveJobs = &maxJobs
			}
			if cmd.Flags().Changed("quality") {
				patch.QualityScore = &quality
			}
			if cmd.Flags().Changed("sla") {
				patch.SLAScore = &sla
			}
			if cmd.Flags().Changed("available") {
				patch.IsAvailable = &available
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Controller.UpdateProfessional(ctx, args[0], patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap.State.Professionals[args[0]])
			})
		},
	}
	cmd.Flags().StringSliceVar(&specialties, "specialties", nil, "comma separated specialties")
	cmd.Flags().IntVar(&activeJobs, "active-jobs", 0, "current active jobs")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "capacity")
	cmd.Flags().IntVar(&quality, "quality", 0, "quality score 0-100")
	cmd.Flags().IntVar(&sla, "sla", 0, "SLA score 0-100")
	cmd.Flags().BoolVar(&available, "available", true, "available for new work")
	return cmd
}

func proRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a professional",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				_, err := a.Controller.RemoveProfessional(ctx, args[0])
				return err
			})
		},
	}
}

func settingsCmd() *cobra.Command {
	s := &cobra.Command{Use: "settings", Short: "Distribution mode and revenue split"}
	s.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Controller.Snapshot().State.Settings)
			})
		},
	})
	s.AddCommand(settingsSetCmd())
	s.AddCommand(settingsSplitCmd())
	return s
}

func settingsSetCmd() *cobra.Command {
	var mode string
	var prospector, executor, agency int
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update settings; the agency share absorbs the remainder",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.SettingsPatch
			if cmd.Flags().Changed("mode") {
				m := domain.DistributionMode(mode)
				if !m.Valid() {
					return fmt.Errorf("invalid distribution mode %q", mode)
				}
				patch.DistributionMode = &m
			}
			if cmd.Flags().Changed("prospector") {
				patch.ProspectorPercent = &prospector
			}
			if cmd.Flags().Changed("executor") {
				patch.ExecutorPercent = &executor
			}
			if cmd.Flags().Changed("agency") {
				patch.AgencyPercent = &agency
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Controller.UpdateSettings(ctx, patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(snap.State.Settings)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "distribution mode (queue|first)")
	cmd.Flags().IntVar(&prospector, "prospector", 0, "prospector percent")
	cmd.Flags().IntVar(&executor, "executor", 0, "executor percent")
	cmd.Flags().IntVar(&agency, "agency", 0, "agency percent")
	return cmd
}

func settingsSplitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "split <amount-cents>",
		Short: "Commission split of an amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount int64
			if _, err := fmt.Sscan(args[0], &amount); err != nil || amount < 0 {
				return fmt.Errorf("invalid amount %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(engine.SplitRevenue(a.Controller.Snapshot().State.Settings, amount))
			})
		},
	}
}

func syncCmd() *cobra.Command {
	var automate bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull the CRM feed and optionally run the fairness sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				_, changed, err := a.Controller.Resync(ctx)
				if err != nil {
					return err
				}
				var res []engine.Assignment
				if automate {
					if _, res, err = a.Controller.Automate(ctx); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"changed": changed, "assignments": res})
				}
				fmt.Printf("feed changed: %v\n", changed)
				if len(res) > 0 {
					return printAssignments(res...)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&automate, "automate", true, "run the fairness sweep after syncing")
	return cmd
}

func remoteCmd() *cobra.Command {
	r := &cobra.Command{Use: "remote", Short: "Remote store maintenance"}
	r.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Provision the remote tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), DSN: cfg.Remote.DSN})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			logger.Info("remote schema migrated", zap.Int("applied", n))
			if viper.GetBool("json") {
				return printJSON(map[string]int{"applied": n})
			}
			fmt.Printf("applied %d migration(s)\n", n)
			return nil
		},
	})
	return r
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default opsqueue.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	})
	return c
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

// withApp runs fn against a started, non-watching app and persists the
// result before returning.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	if err := fn(ctx, a); err != nil {
		return errors.Join(err, a.Close())
	}
	return a.Close()
}

func printAssignments(res ...engine.Assignment) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	sort.SliceStable(res, func(i, j int) bool { return res[i].Specialty < res[j].Specialty })
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Specialty", "Outcome", "Queue item", "Professional"})
	for _, r := range res {
		tw.AppendRow(table.Row{r.Specialty.Label(), r.Outcome, r.QueueID, r.ProfessionalID})
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
