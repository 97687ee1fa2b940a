// Package bootstrap assembles one engine instance from configuration and
// runs it under an fx lifecycle.
package bootstrap

import (
	"context"
	"log/slog"
	"os"

	"go.uber.org/fx"

	"github.com/prepstream/interview-engine/internal/media"
	"github.com/prepstream/interview-engine/internal/protocol"
	"github.com/prepstream/interview-engine/internal/session"
	"github.com/prepstream/interview-engine/internal/upload"
	"github.com/prepstream/interview-engine/internal/video"
)

func ProvideLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func ProvideUploader(cfg *Config, log *slog.Logger) *upload.Client {
	return upload.NewClient(upload.Config{
		BaseURL:   cfg.UploadURL,
		AuthToken: cfg.UploadToken,
	}, log)
}

// ProvideDevices wires media endpoints. Synthetic mode generates a test tone
// and a scrolling pattern; otherwise the host is expected to attach real
// devices before Start, and the engine degrades legs that stay nil.
func ProvideDevices(cfg *Config) session.Devices {
	if !cfg.SyntheticMedia {
		return session.Devices{}
	}
	pattern := media.NewPatternSource(1280, 720)
	return session.Devices{
		Microphone: media.NewToneSource(440, 0.02),
		Speaker:    media.NullSink{},
		Surface: func(ctx context.Context) (video.FrameSource, error) {
			return pattern, nil
		},
	}
}

func ProvideEngine(cfg *Config, devices session.Devices, uploader *upload.Client, log *slog.Logger) *session.Engine {
	return session.NewEngine(session.Config{
		Endpoint:      cfg.Endpoint,
		UserID:        cfg.UserID,
		InterviewID:   cfg.InterviewID,
		AudioMode:     cfg.AudioMode,
		AutoReconnect: cfg.AutoReconnect,
	}, devices, uploader, log)
}

func StartEngine(lc fx.Lifecycle, e *session.Engine, log *slog.Logger) {
	e.OnPrompt = func(pc protocol.PendingConfirmation) {
		log.Info("confirmation awaiting user",
			"confirmation_id", pc.ID,
			"company", pc.Company,
			"interview_type", pc.InterviewType,
			"price", pc.Price)
	}
	e.OnTranscript = func(text string, partial bool) {
		if !partial {
			log.Info("agent said", "text", text)
		}
	}
	e.OnConnectionError = func(err error) {
		log.Warn("transport trouble", "error", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return e.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			url, err := e.Stop(ctx)
			if err != nil {
				log.Error("session end flow failed", "error", err)
				return err
			}
			if url != "" {
				log.Info("recording stored", "url", url)
			}
			return nil
		},
	})
}

var EngineModule = fx.Options(
	fx.Provide(
		ProvideLogger,
		ProvideUploader,
		ProvideDevices,
		ProvideEngine,
	),
	fx.Invoke(StartEngine),
)

// Run blocks until the process receives a shutdown signal.
func Run(cfgFile string) error {
	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	app := fx.New(
		fx.Supply(cfg),
		EngineModule,
	)
	app.Run()
	return nil
}
