package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/orderdesk/internal/cachestore"
	"github.com/agentworkforce/orderdesk/internal/eventbus"
	"github.com/agentworkforce/orderdesk/internal/httpapi"
	"github.com/agentworkforce/orderdesk/internal/orders"
	"github.com/agentworkforce/orderdesk/internal/ordersapi"
	"github.com/agentworkforce/orderdesk/internal/ordersync"
	"github.com/agentworkforce/orderdesk/internal/pushfeed"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "orderdesk:", err)
		os.Exit(1)
	}
}

// cli carries what the root command resolves before any subcommand runs.
type cli struct {
	cfg    config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "orderdesk",
		Short:         "Keep a viewer's live and past order lists in sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = newLogger(cfg.LogLevel, cfg.LogFormat)
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	registerFlags(root.PersistentFlags())
	root.AddCommand(
		c.watchCmd(),
		c.showCmd(),
		c.createCmd(),
		c.progressCmd(),
		c.deleteCmd(),
	)
	return root
}

// app is one wired tab: cache, coordinator, order service and push feed.
type app struct {
	logger  *zap.Logger
	reg     *prometheus.Registry
	backend cachestore.Backend
	coord   *ordersync.Coordinator
	api     *ordersapi.Client
	feed    *pushfeed.Client

	desk     *ordersync.Desk
	deskOpts ordersync.DeskOptions
}

func (c *cli) build() (*app, error) {
	cfg := c.cfg
	backend, err := cachestore.BuildBackendFromDSN(cfg.CacheDSN)
	if err != nil {
		return nil, fmt.Errorf("cache backend %q: %w", cfg.CacheDSN, err)
	}
	cacheLog := stdLogger(c.logger, "cache")
	switch b := backend.(type) {
	case *cachestore.FileBackend:
		b.Logger = cacheLog
	case *cachestore.PostgresBackend:
		b.Logger = cacheLog
	case *cachestore.RedisBackend:
		b.Logger = cacheLog
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := ordersync.NewMetrics(reg)

	cache := cachestore.New(backend, cachestore.Options{
		Bus:    eventbus.New(),
		Logger: cacheLog,
		Hooks:  metrics.CacheHooks(),
	})

	api := ordersapi.NewClient(cfg.APIURL, cfg.APIToken, &http.Client{Timeout: cfg.APITimeout})
	api.Logger = stdLogger(c.logger, "api")

	syncLog := c.logger.Named("sync")
	coord := ordersync.NewCoordinator(ordersync.Options{
		Viewer:  cfg.Viewer,
		Cache:   cache,
		Source:  api,
		Policy:  cfg.Policy,
		Logger:  stdLogger(c.logger, "sync"),
		Metrics: metrics,
		OnNewOrder: func(order orders.Order) {
			syncLog.Info("new order", zap.String("order", order.OrderNumber), zap.String("customer", order.CustomerName))
		},
		OnChange: func(change ordersync.Change) {
			syncLog.Debug("partition changed",
				zap.String("key", change.Key),
				zap.Int("added", len(change.Added)),
				zap.Int("removed", len(change.Removed)),
				zap.Int("updated", len(change.Updated)),
			)
		},
	})

	a := &app{logger: c.logger, reg: reg, backend: backend, coord: coord, api: api}
	if cfg.PushURL != "" {
		a.feed = pushfeed.New(cfg.PushURL, coord, pushfeed.Options{
			Viewer: cfg.Viewer,
			Token:  cfg.APIToken,
			Logger: stdLogger(c.logger, "push"),
			OnReconnect: func(ctx context.Context) {
				if err := coord.Refresh(ctx); err != nil {
					syncLog.Warn("refresh after reconnect failed", zap.Error(err))
				}
			},
		})
	}
	var emitter ordersync.Emitter
	if a.feed != nil {
		emitter = a.feed
	}
	a.deskOpts = ordersync.DeskOptions{Logger: stdLogger(c.logger, "desk")}
	a.desk = ordersync.NewDesk(coord, api, emitter, a.deskOpts)
	return a, nil
}

func (a *app) close() {
	a.coord.Close()
	if err := cachestore.Close(a.backend); err != nil {
		a.logger.Warn("close cache backend", zap.Error(err))
	}
}

// startFeed runs the push feed in the background and waits up to timeout for
// it to connect, so one-shot commands can announce what they change. When it
// does not connect in time the desk stops announcing.
func (a *app) startFeed(ctx context.Context, timeout time.Duration) {
	if a.feed == nil {
		return
	}
	go func() {
		if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("push feed stopped", zap.Error(err))
		}
	}()
	deadline := time.Now().Add(timeout)
	for !a.feed.Connected() {
		if time.Now().After(deadline) || ctx.Err() != nil {
			a.logger.Warn("push feed not connected; changes will not be announced", zap.Duration("waited", timeout))
			a.desk = ordersync.NewDesk(a.coord, a.api, nil, a.deskOpts)
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := c.build()
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.coord.Start(ctx); err != nil {
		a.logger.Warn("initial load failed; serving cached orders", zap.Error(err))
	}
	return fn(ctx, a)
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the push feed and other tabs, refreshing periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				return c.watch(ctx, a)
			})
		},
	}
}

func (c *cli) watch(ctx context.Context, a *app) error {
	cfg := c.cfg
	key, _ := a.coord.Key(orders.PartitionLive)
	a.logger.Info("watching orders",
		zap.String("viewer", cfg.Viewer.Name),
		zap.String("live_key", key),
		zap.Stringer("policy", cfg.Policy),
	)

	if a.feed != nil {
		go func() {
			if err := a.feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("push feed stopped", zap.Error(err))
			}
		}()
	}

	var srv *http.Server
	if cfg.Addr != "" {
		srv = &http.Server{
			Addr: cfg.Addr,
			Handler: httpapi.NewServerWithConfig(a.coord, httpapi.ServerConfig{
				JWTSecret:       cfg.JWTSecret,
				RateLimitMax:    cfg.RateLimitMax,
				RateLimitWindow: time.Minute,
				Gatherer:        a.reg,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("status endpoint listening", zap.String("addr", cfg.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("status endpoint failed", zap.Error(err))
			}
		}()
	}

	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.RefreshEvery, cfg.RefreshJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("watch stopping", zap.Error(ctx.Err()))
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		case <-timer.C:
			refreshCtx, cancel := context.WithTimeout(ctx, cfg.APITimeout*2)
			if err := a.coord.Refresh(refreshCtx); err != nil {
				a.logger.Warn("periodic refresh failed", zap.Error(err))
			} else {
				counts := a.coord.Counts()
				a.logger.Debug("periodic refresh completed", zap.Int("live", counts.Live), zap.Int("past", counts.Past))
			}
			cancel()
			timer.Reset(jitteredIntervalWithSample(cfg.RefreshEvery, cfg.RefreshJitter, rng.Float64()))
		}
	}
}

func (c *cli) showCmd() *cobra.Command {
	var asJSON, cached bool
	cmd := &cobra.Command{
		Use:       "show [live|past]",
		Short:     "Print one partition of the viewer's orders",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"live", "past"},
		RunE: func(cmd *cobra.Command, args []string) error {
			partition := orders.PartitionLive
			if len(args) == 1 {
				p, ok := orders.ParsePartition(args[0])
				if !ok {
					return fmt.Errorf("unknown partition %q", args[0])
				}
				partition = p
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if !cached {
					if err := a.coord.Refresh(ctx); err != nil {
						a.logger.Warn("refresh failed; showing cached orders", zap.Error(err))
					}
				}
				list := a.coord.Orders(partition)
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(list)
				}
				return printOrders(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print orders as JSON")
	cmd.Flags().BoolVar(&cached, "cached", false, "print cached orders without refetching")
	return cmd
}

func printOrders(w io.Writer, list []orders.Order) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tCUSTOMER\tDISPATCHER\tSTATUS\tTEAMS\tUPDATED")
	for _, order := range list {
		teams := make([]string, 0, 4)
		for _, team := range order.Details.Teams() {
			teams = append(teams, team.String())
		}
		updated := ""
		if ts := order.LastUpdated; !ts.IsZero() {
			updated = ts.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			order.OrderNumber, order.CustomerName, order.DispatcherName, order.Status, strings.Join(teams, ","), updated)
	}
	return tw.Flush()
}

func (c *cli) createCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create --file order.json",
		Short: "Create an order from a JSON file (- for stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := readNewOrder(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				a.startFeed(ctx, c.cfg.PushConnect)
				created, err := a.desk.CreateOrder(ctx, input)
				if err != nil {
					return err
				}
				a.logger.Info("order created", zap.String("order", created.OrderNumber), zap.String("id", created.ID))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "order JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readNewOrder(stdin io.Reader, path string) (orders.NewOrder, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return orders.NewOrder{}, err
		}
		defer f.Close()
		r = f
	}
	var input orders.NewOrder
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return orders.NewOrder{}, fmt.Errorf("decode order: %w", err)
	}
	return input, nil
}

func (c *cli) progressCmd() *cobra.Command {
	var team string
	cmd := &cobra.Command{
		Use:   "progress ORDER ITEM=QTY...",
		Short: "Record completed quantities for the viewer's team",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if team == "" {
				team = c.cfg.Viewer.Team
			}
			update, err := parseProgressArgs(args[0], team, args[1:])
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				a.startFeed(ctx, c.cfg.PushConnect)
				updated, err := a.desk.RecordProgress(ctx, update)
				if err != nil {
					return err
				}
				a.logger.Info("progress recorded", zap.String("order", updated.OrderNumber), zap.String("status", updated.Status))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team whose items are updated (defaults to the viewer's team)")
	return cmd
}

// parseProgressArgs turns "ITEM=QTY" arguments into a progress update.
func parseProgressArgs(orderNumber, team string, args []string) (orders.ProgressUpdate, error) {
	update := orders.ProgressUpdate{
		OrderNumber: strings.TrimSpace(orderNumber),
		TeamType:    strings.TrimSpace(team),
	}
	for _, arg := range args {
		itemID, rawQty, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(itemID) == "" {
			return orders.ProgressUpdate{}, fmt.Errorf("%w: expected ITEM=QTY, got %q", orders.ErrInvalidInput, arg)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(rawQty))
		if err != nil {
			return orders.ProgressUpdate{}, fmt.Errorf("%w: quantity %q", orders.ErrInvalidQuantity, rawQty)
		}
		update.Updates = append(update.Updates, orders.ItemProgress{ItemID: strings.TrimSpace(itemID), QtyCompleted: qty})
	}
	return update, update.Validate()
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ORDER",
		Short: "Delete an order everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				a.startFeed(ctx, c.cfg.PushConnect)
				if err := a.desk.DeleteOrder(ctx, args[0]); err != nil {
					return err
				}
				a.logger.Info("order deleted", zap.String("order", args[0]))
				return nil
			})
		},
	}
}
