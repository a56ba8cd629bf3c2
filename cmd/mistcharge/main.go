package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mistcharge/config"
	"mistcharge/internal/api"
	"mistcharge/internal/dashboard"
	"mistcharge/internal/device"
	"mistcharge/internal/logging"
	"mistcharge/internal/mqtt"
	"mistcharge/internal/network"
	"mistcharge/internal/outbox"
	"mistcharge/internal/remote"
	"mistcharge/internal/storage"
	"mistcharge/internal/syncer"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mistcharge",
		Short: "MistCharge offline-first sync service",
		Long:  "Caches MistCharge collector data locally, queues device commands while offline and syncs them when the backend is reachable",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(offlineCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(brokerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds the components every command shares.
type app struct {
	cfg     *config.Config
	logs    *logging.Logrus
	db      *storage.Database
	client  *remote.Client
	queue   *outbox.Outbox
	monitor *network.Monitor
}

func newApp() (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logs := logging.NewLogrus(level, os.Stderr)

	db, err := storage.NewDatabase(cfg.Store.Path, logs.Get("Storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	client := remote.NewClient(cfg.Remote.BaseURL, remote.WithTimeout(cfg.Remote.Timeout))

	monitor := network.NewMonitor(network.MonitorConfig{
		Prober:        network.HTTPProber{Client: client},
		Store:         db,
		ProbeInterval: cfg.Network.ProbeInterval,
		ProbeTimeout:  cfg.Network.ProbeTimeout,
		MaxBackoff:    cfg.Network.MaxBackoff,
		Log:           logs.Get("Network"),
	})

	return &app{
		cfg:     cfg,
		logs:    logs,
		db:      db,
		client:  client,
		queue:   outbox.New(db, logs.Get("Outbox")),
		monitor: monitor,
	}, nil
}

func (a *app) engine(observer func(syncer.Result)) *syncer.Engine {
	return syncer.NewEngine(syncer.Config{
		Remote:         a.client,
		Cache:          a.db,
		Queue:          a.queue,
		StatsDays:      a.cfg.Remote.StatsDays,
		CommandTimeout: a.cfg.Sync.CommandTimeout,
		MaxRetries:     a.cfg.Sync.MaxRetries,
		CommandTTL:     a.cfg.Sync.CommandTTL,
		Online:         a.monitor.Online,
		Observer:       observer,
		Log:            a.logs.Get("Sync"),
	})
}

func (a *app) service(onSettings func(device.AppSettings)) *dashboard.Service {
	return dashboard.NewService(dashboard.Config{
		Remote:     a.client,
		Store:      a.db,
		Queue:      a.queue,
		Network:    a.monitor,
		StatsDays:  a.cfg.Remote.StatsDays,
		OnSettings: onSettings,
		Log:        a.logs.Get("Dashboard"),
	})
}

// probe restores the offline override and checks reachability once.
func (a *app) probe(ctx context.Context) network.State {
	if err := a.monitor.Load(ctx); err != nil {
		a.logs.Get("Network").WithError(err).Warn("Failed to load offline mode")
	}
	return a.monitor.Check(ctx)
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logs.Get("Storage").WithError(err).Warn("Failed to close database")
	}
}

// seedSettings writes the configured sync defaults on first run. Stored
// settings are left alone afterwards.
func (a *app) seedSettings(ctx context.Context) (device.AppSettings, error) {
	var stored device.AppSettings
	found, err := a.db.Get(ctx, storage.KeySettings, &stored)
	if err != nil {
		return device.DefaultSettings(), err
	}
	if found {
		return a.db.LoadSettings(ctx)
	}

	auto := a.cfg.Sync.Auto
	interval := a.cfg.Sync.Interval.Milliseconds()
	patch := device.SettingsPatch{AutoSync: &auto}
	if interval > 0 {
		patch.SyncInterval = &interval
	}
	return a.db.SaveSettings(ctx, patch)
}

func applyAutoSync(ctx context.Context, engine *syncer.Engine, settings device.AppSettings) {
	if settings.AutoSync && settings.SyncInterval > 0 {
		engine.StartAutoSync(ctx, settings.SyncIntervalDuration())
		return
	}
	engine.StopAutoSync()
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(output))
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync service",
		Long:  "Start the reachability monitor, auto sync, MQTT telemetry ingestion and the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()
			log := a.logs.Get("Main")

			// Setup context for graceful shutdown
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			hub := api.NewHub(a.logs.Get("Events"))

			var publisher *mqtt.Client
			engine := a.engine(func(res syncer.Result) {
				hub.Broadcast("sync", res)
				if publisher == nil {
					return
				}
				if err := publisher.PublishSyncResult(res); err != nil {
					log.WithError(err).Warn("Failed to publish sync status")
				}
			})

			service := a.service(func(settings device.AppSettings) {
				applyAutoSync(ctx, engine, settings)
			})

			publisher, err = mqtt.NewClient(mqtt.Config{
				Broker:      a.cfg.MQTT.Broker,
				ClientID:    a.cfg.MQTT.ClientID,
				Username:    a.cfg.MQTT.Username,
				Password:    a.cfg.MQTT.Password,
				TopicPrefix: a.cfg.MQTT.TopicPrefix,
				Enabled:     a.cfg.MQTT.Enabled,
			}, func(r mqtt.Reading) {
				if _, err := service.ApplyReadingAt(ctx, r.Sensor, r.Value, r.Timestamp); err != nil {
					log.WithError(err).WithField("sensor", r.Sensor).Warn("Rejected telemetry reading")
				}
			}, a.logs.Get("MQTT"))
			if err != nil {
				log.WithError(err).Warn("MQTT connection failed")
				publisher = nil
			} else {
				defer publisher.Close()
			}
			// Background syncs may still publish, so the engine stops first.
			defer engine.Close()

			a.monitor.Subscribe(engine.OnReachability)
			a.monitor.Subscribe(func(st network.State) {
				hub.Broadcast("network", st)
			})

			state := a.probe(ctx)
			log.Infof("Network: %s", state.Describe())

			settings, err := a.seedSettings(ctx)
			if err != nil {
				log.WithError(err).Warn("Failed to load settings, using defaults")
			}
			applyAutoSync(ctx, engine, settings)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.monitor.Run(gctx)
			})

			// Start API server if enabled
			if a.cfg.API.Enabled {
				server := api.NewServer(api.ServerConfig{
					Port:      a.cfg.API.Port,
					Dashboard: service,
					Syncer:    engine,
					Queue:     a.queue,
					Events:    hub,
					Log:       a.logs.Get("API"),
				})
				g.Go(server.Start)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return server.Stop(shutdownCtx)
				})
			}

			log.Info("MistCharge sync service started. Press Ctrl+C to stop.")

			err = g.Wait()
			log.Info("Shutting down...")
			return err
		},
	}
}

func syncCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long:  "Deliver queued commands and refresh the local cache once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			var opts syncer.Options
			switch scope {
			case "all":
				opts = syncer.Options{SyncCommands: true, SyncData: true}
			case "commands":
				opts = syncer.Options{SyncCommands: true}
			case "data":
				opts = syncer.Options{SyncData: true}
			default:
				return fmt.Errorf("invalid scope %q", scope)
			}

			ctx := cmd.Context()
			if a.cfg.API.Enabled {
				res, delegated, err := delegateSync(ctx, fmt.Sprintf("http://localhost:%d", a.cfg.API.Port), scope)
				if err != nil {
					return err
				}
				if delegated {
					return reportSync(res)
				}
			}

			if state := a.probe(ctx); !state.Online() {
				a.logs.Get("Main").Warnf("Network: %s, sync will likely fail", state.Describe())
			}

			return reportSync(a.engine(nil).Sync(ctx, opts))
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "all", "what to sync: all, commands or data")
	return cmd
}

func reportSync(res syncer.Result) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("sync failed: %s", res.Error)
	}
	return nil
}

// delegateSync asks a running serve process to sync, so only one engine ever
// drains the queue. delegated is false when nothing answers at baseURL.
func delegateSync(ctx context.Context, baseURL, scope string) (syncer.Result, bool, error) {
	var res syncer.Result

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/sync?scope="+url.QueryEscape(scope), nil)
	if err != nil {
		return res, false, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return res, false, nil
		}
		return res, false, fmt.Errorf("failed to reach sync service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict:
	default:
		return res, true, fmt.Errorf("sync service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return res, true, fmt.Errorf("failed to decode sync result: %w", err)
	}
	if res.Error == syncer.ErrSyncInProgress.Error() {
		res.Err = syncer.ErrSyncInProgress
	}
	return res, true, nil
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or clear the command queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			commands, err := a.queue.List(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(commands)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard every queued command",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.queue.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Command queue cleared")
			return nil
		},
	})

	return cmd
}

func offlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "offline on|off",
		Short:     "Force offline mode on or off",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var offline bool
			switch args[0] {
			case "on":
				offline = true
			case "off":
				offline = false
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.monitor.SetOfflineMode(cmd.Context(), offline); err != nil {
				return err
			}
			fmt.Printf("Offline mode: %s\n", args[0])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device status, network state and queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			state := a.probe(ctx)
			service := a.service(nil)

			status := service.FetchStatus(ctx)
			queue, err := service.QueueStatus(ctx)
			if err != nil {
				return err
			}
			lastSync, err := a.db.LastSync(ctx)
			if err != nil {
				return err
			}

			out := struct {
				Network  string                 `json:"network"`
				Device   dashboard.StatusResult `json:"device"`
				Queue    outbox.Status          `json:"queue"`
				LastSync *time.Time             `json:"lastSync"`
			}{
				Network: state.Describe(),
				Device:  status,
				Queue:   queue,
			}
			if !lastSync.IsZero() {
				out.LastSync = &lastSync
			}
			return printJSON(out)
		},
	}
}

func brokerCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run an embedded MQTT broker for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listen == "" {
				listen = cfg.MQTT.BrokerListen
			}

			level := cfg.Log.Level
			if verbose {
				level = logrus.DebugLevel.String()
			}
			log := logging.NewLogrus(level, os.Stderr).Get("Broker")

			broker, err := mqtt.NewBroker(listen, log)
			if err != nil {
				return err
			}
			if err := broker.Serve(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			log.Info("Shutting down...")
			return broker.Close()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from mqtt.broker_listen)")
	return cmd
}
