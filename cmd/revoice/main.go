package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/revoice/internal/adapters/api"
	router "github.com/dkeye/revoice/internal/adapters/http"
	"github.com/dkeye/revoice/internal/adapters/rtc"
	"github.com/dkeye/revoice/internal/adapters/signal"
	"github.com/dkeye/revoice/internal/app"
	"github.com/dkeye/revoice/internal/config"
	"github.com/dkeye/revoice/internal/domain"
	"github.com/dkeye/revoice/internal/media"
)

func main() {
	ctx, cancel := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	client, err := api.New(api.Config{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Bot:     cfg.API.Bot,
		Timeout: cfg.API.Timeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("api client")
	}
	self := identify(ctx, client, cfg)

	mgr := app.NewManager(app.ManagerConfig{
		Channels: client,
		NewSignaler: func() app.Signaler {
			return signal.NewClient(client, signal.ClientConfig{
				URL:            cfg.Signaling.URL,
				ReadLimit:      cfg.Signaling.ReadLimit,
				PingPeriod:     cfg.Signaling.PingPeriod,
				WriteWait:      cfg.Signaling.WriteWait,
				RequestTimeout: cfg.Signaling.RequestTimeout,
				Capabilities:   rtc.LocalCapabilities,
				Resolver:       client,
				SelfID:         self,
			})
		},
		Transports: rtc.Factory(rtc.Config{
			ICEServers: cfg.RTC.STUNServers,
			Bitrate:    cfg.RTC.Bitrate,
		}),
		Connection: app.ConnectionConfig{
			AutoLeave:    cfg.Voice.AutoLeave,
			ReadyTimeout: cfg.Voice.ReadyTimeout,
			Reconnect: app.ReconnectConfig{
				Enabled:      cfg.Signaling.Reconnect.Enabled,
				InitialDelay: cfg.Signaling.Reconnect.InitialDelay,
				MaxDelay:     cfg.Signaling.Reconnect.MaxDelay,
				MaxAttempts:  cfg.Signaling.Reconnect.MaxAttempts,
			},
		},
	})

	r := router.SetupRouter(cfg, router.Deps{
		Manager:   mgr,
		NewPlayer: func() *media.Player { return media.NewPlayer(playerConfig(cfg)) },
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("revoice control plane started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("leaving rooms")
	}
	log.Info().Msg("Server exited gracefully")
}

// identify logs in when credentials are configured and returns the bot's
// own user id, or "" when it cannot be determined.
func identify(ctx context.Context, client *api.Client, cfg *config.Config) domain.UserID {
	if cfg.API.Email != "" {
		sess, err := client.Login(ctx, cfg.API.Email, cfg.API.Password)
		if err != nil {
			log.Fatal().Err(err).Msg("login")
		}
		return domain.UserID(sess.UserID)
	}
	me, err := client.User(ctx, "@me")
	if err != nil {
		log.Warn().Err(err).Msg("could not resolve own user id, the bot counts as a room member")
		return ""
	}
	return me.ID
}

func playerConfig(cfg *config.Config) media.PlayerConfig {
	pc := media.DefaultPlayerConfig()
	pc.Transcoder = media.TranscoderConfig{
		FFmpegPath:  cfg.Media.FFmpegPath,
		Output:      media.Output(cfg.Media.Output),
		InputFormat: cfg.Media.InputFormat,
		ReadNative:  cfg.Media.ReadNative,
		Bitrate:     cfg.RTC.Bitrate,
	}
	if cfg.Media.Bias > 0 {
		pc.Bias = cfg.Media.Bias
	}
	if cfg.Media.SettleDelay > 0 {
		pc.SettleDelay = cfg.Media.SettleDelay
	}
	if cfg.Media.ExitGrace > 0 {
		pc.ExitGrace = cfg.Media.ExitGrace
	}
	pc.Volume = cfg.Media.Volume
	pc.MaxRetained = cfg.Media.MaxRetainedBytes
	return pc
}
