package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"feedflow/config"
	"feedflow/internal/channel"
	"feedflow/internal/dashboard"
	"feedflow/internal/metrics"
	"feedflow/internal/pubsub"
	"feedflow/internal/task"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/writer"
)

const shutdownTimeout = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.StringP("config", "c", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Feedflow.Name,
		"version":     cfg.Feedflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting feedflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval, metrics.Snapshot)
	}

	var wg sync.WaitGroup

	if cfg.Metrics.PrometheusAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.PrometheusAddr); err != nil {
				log.WithError(err).Warn("metrics server stopped")
			}
		}()
	}

	if cfg.Metrics.CloudWatch.Enabled {
		publisher, err := metrics.NewCloudWatchPublisher(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
		if err != nil {
			log.WithError(err).Error("failed to create cloudwatch publisher")
			os.Exit(1)
		}
		id := metrics.RegisterMetricHandler(publisher.Handle)
		defer metrics.UnregisterMetricHandler(id)

		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx)
		}()
	} else {
		log.WithComponent("main").Info("CloudWatch metrics disabled")
	}

	notify := channel.NewNotifications(cfg.Feed.NotificationBuffer)

	bus := pubsub.New(cfg.Feed.URL, notify)

	opts := task.Options{
		KlineSources: cfg.Feed.KlineSources,
		Writer: writer.Options{
			PreviewInitialDelay: cfg.Writer.PreviewInitialDelay,
			PreviewInterval:     cfg.Writer.PreviewInterval,
		},
	}
	if cfg.Storage.Archive.Enabled {
		archiver, err := writer.NewS3Archiver(ctx, cfg.Storage)
		if err != nil {
			log.WithError(err).Error("failed to create S3 archiver")
			os.Exit(1)
		}
		opts.Archiver = archiver
	} else {
		log.WithComponent("main").Info("archive disabled; task output stays on disk")
	}

	manager := task.NewManager(bus, notify, opts)

	dash, err := dashboard.NewServer(cfg.Dashboard, log, manager, bus, cfg.Feed.Credential)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		drainNotifications(ctx, log, notify, dash)
	}()

	for _, tc := range cfg.Tasks {
		id, err := manager.CreateTask(cfg.Feed.Credential, tc)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"name":   tc.Name,
				"source": tc.Source,
			}).Warn("skipping configured task")
			continue
		}
		log.WithFields(logger.Fields{
			"task_id": id,
			"name":    tc.Name,
			"source":  tc.Source,
		}).Info("configured task submitted")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		log.Info("stopping tasks")
		manager.StopAllTasks()

		log.Info("closing push connection")
		bus.ForceDisconnect()

		cancel()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(shutdownTimeout):
		log.Warn("graceful shutdown timeout exceeded")
	}

	notify.Close()
	log.Info("feedflow stopped")
}

// drainNotifications writes snapshots and lifecycle events to the log and
// hands them to the dashboard. dash may be nil.
func drainNotifications(ctx context.Context, log *logger.Log, notify *channel.Notifications, dash *dashboard.Server) {
	entry := log.WithComponent("notifications")
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-notify.Stats:
			if !ok {
				return
			}
			dash.ObserveStats(snap)
			entry.WithFields(logger.Fields{
				"task_id":      snap.TaskID,
				"received":     snap.TotalReceived,
				"rate":         snap.DataRate,
				"running_time": snap.RunningTime.String(),
				"symbols":      len(snap.SymbolStats),
			}).Info("task progress")
		case evt, ok := <-notify.Lifecycle:
			if !ok {
				return
			}
			dash.ObserveEvent(evt)
			e := entry.WithFields(logger.Fields{
				"event":   string(evt.Kind),
				"attempt": evt.Attempt,
			})
			if evt.Message != "" {
				e = e.WithError(errors.New(evt.Message))
			}
			switch evt.Kind {
			case models.EventReconnectFailed, models.EventServerError:
				e.Error("push connection event")
			case models.EventDisconnected, models.EventReconnecting:
				e.Warn("push connection event")
			default:
				e.Info("push connection event")
			}
		}
	}
}
