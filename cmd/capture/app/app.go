package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/vultur/internal/acquisition"
	"github.com/roman-kulish/vultur/internal/camera"
	"github.com/roman-kulish/vultur/internal/camera/driver"
	"github.com/roman-kulish/vultur/internal/session"
	"github.com/roman-kulish/vultur/internal/status"
	"github.com/roman-kulish/vultur/internal/storage"
	"github.com/roman-kulish/vultur/internal/telemetry"
)

// Report describes a finished run
type Report struct {
	acquisition.Summary

	SessionUUID  string
	SessionDir   string
	BytesWritten uint64
}

func (r *Report) String() string {
	if r.SessionDir == "" {
		return "stopped before a session was created"
	}

	return fmt.Sprintf("session %s: %s records (%s cycles, %s timeouts), %s written to %s in %s",
		r.SessionUUID,
		humanize.Comma(int64(r.Complete)),
		humanize.Comma(int64(r.Cycles)),
		humanize.Comma(int64(r.Timeouts)),
		humanize.IBytes(r.BytesWritten),
		r.SessionDir,
		r.Stopped.Sub(r.Started).Round(time.Second),
	)
}

// Run acquires frame pairs until ctx is cancelled or a fatal error occurs
func Run(ctx context.Context, config *Config, logger *slog.Logger) (report Report, err error) {
	root, err := dataDirectory(&config.Storage)
	if err != nil {
		return report, err
	}

	var store *storage.SqliteStore
	if config.Storage.Catalog != "" {
		store = storage.NewSqliteStore(config.Storage.Catalog)
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				err = errors.Join(err, fmt.Errorf("closing catalog: %w", closeErr))
			}
		}()
	}

	run, warn := status.OpenOutputs(config.Status.GPIO, config.Status.RunPin, config.Status.WarnPin, logger)
	signaler := status.NewSignaler(run, warn, status.WithLogger(logger))

	var sess *session.Session
	openSession := func(ctx context.Context, info acquisition.SessionInfo) (acquisition.Recorder, error) {
		options := []func(*session.Session){session.WithLogger(logger)}
		if store != nil {
			options = append(options, session.WithCatalog(store))
		}

		s, err := session.Create(ctx, root, newMetadata(config, info), options...)
		if err != nil {
			return nil, err
		}

		sess = s
		return s, nil
	}

	controller := acquisition.NewController(
		acquisition.Config{
			FPS:             config.Acquisition.FPS,
			TriggerDelay:    config.Acquisition.TriggerDelay.Duration(),
			RetrieveTimeout: config.Acquisition.RetrieveTimeout.Duration(),
			Settings:        config.Cameras.Settings,
		},
		newTelemetry(&config.Telemetry, logger),
		cameraOpener(&config.Cameras, logger),
		openSession,
		acquisition.WithLogger(logger),
		acquisition.WithIndicator(signaler),
	)

	summary, err := controller.Run(ctx)

	report.Summary = summary
	if sess != nil {
		report.SessionUUID = sess.UUID()
		report.SessionDir = sess.Dir()
		report.BytesWritten = sess.BytesWritten()
	}

	return report, err
}

func dataDirectory(config *StorageConfig) (string, error) {
	if config.DataDirectory != "" {
		return config.DataDirectory, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return home, nil
}

func newMetadata(config *Config, info acquisition.SessionInfo) session.Metadata {
	settings := config.Cameras.Settings

	return session.Metadata{
		StartTime:         info.Started,
		FPS:               config.Acquisition.FPS,
		TriggerDelay:      config.Acquisition.TriggerDelay.String(),
		ExposureTime:      settings.ExposureTime,
		Gain:              settings.Gain,
		PixelFormat:       settings.PixelFormat.String(),
		Width:             settings.Width,
		Height:            settings.Height,
		TelemetryDetected: info.TelemetryDetected,
		CameraIDs:         info.CameraIDs[:],
	}
}

func newTelemetry(config *TelemetryConfig, logger *slog.Logger) acquisition.Telemetry {
	if !config.Enabled {
		logger.Info("telemetry disabled")
		return disabledTelemetry{}
	}

	return telemetry.NewListener(telemetry.OpenMAVLink(config.Device, config.Port),
		telemetry.WithLogger(logger),
		telemetry.WithMinFixQuality(config.MinFixQuality),
		telemetry.WithDetectTimeout(config.DetectTimeout.Duration()),
		telemetry.WithReceiveTimeout(config.ReceiveTimeout.Duration()),
		telemetry.WithRetryInterval(config.RetryInterval.Duration()),
	)
}

func cameraOpener(config *CamerasConfig, logger *slog.Logger) acquisition.CameraOpener {
	return func(ctx context.Context) (camera.Device, camera.Device, error) {
		if config.Driver == DriverSim {
			serials := config.Serials
			if len(serials) == 0 {
				serials = []string{"sim-a", "sim-b"}
			}

			latency := time.Duration(config.Settings.ExposureTime) * time.Microsecond
			return camera.NewSimDevice(serials[0], camera.WithLatency(latency)),
				camera.NewSimDevice(serials[1], camera.WithLatency(latency)),
				nil
		}

		binPath, err := driver.FindRuntime(config.Runtime)
		if err != nil {
			return nil, nil, err
		}

		serials := config.Serials
		if len(serials) == 0 {
			if serials, err = camera.Enumerate(ctx, binPath, nil); err != nil {
				return nil, nil, err
			}
			if len(serials) < 2 {
				return nil, nil, driver.NewConfigError(fmt.Sprintf("found %d cameras, two are required", len(serials)))
			}

			logger.Info("cameras detected", slog.String("cam1", serials[0]), slog.String("cam2", serials[1]))
		}

		options := []func(*camera.ExecDevice){
			camera.WithExecLogger(logger),
			camera.WithParseErrorsThreshold(config.ParseErrorsThreshold),
			camera.WithTriggerTimeout(config.TriggerTimeout.Duration()),
		}

		return camera.NewExecDevice(serials[0], binPath, options...),
			camera.NewExecDevice(serials[1], binPath, options...),
			nil
	}
}

// disabledTelemetry stands in for the listener when no flight controller is fitted
type disabledTelemetry struct{}

func (disabledTelemetry) Start(context.Context) bool { return false }
func (disabledTelemetry) Latest() telemetry.Snapshot { return telemetry.Snapshot{} }
func (disabledTelemetry) HasFix() bool               { return false }
func (disabledTelemetry) Stop()                      {}
