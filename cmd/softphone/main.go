/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 Openphonic Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// The softphone daemon wires the callkit packages into a runnable phone
// endpoint: it connects to the signaling relay, provisions the SIP route from
// the phone profile when one is available, and serves the local control API.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/openphonic/callkit/calling"
	"github.com/openphonic/callkit/config"
	"github.com/openphonic/callkit/control"
	"github.com/openphonic/callkit/mediadev"
	"github.com/openphonic/callkit/profile"
	"github.com/openphonic/callkit/signaling"
	"github.com/openphonic/callkit/sipua"
)

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		l.Fatal().Err(err).Msg("configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		l = l.Level(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel, err := signaling.Dial(&signaling.Config{
		URL:    cfg.Signaling.URL,
		Logger: l.With().Str("component", "signaling").Logger(),
	})
	if err != nil {
		l.Fatal().Err(err).Msg("signaling relay connection")
	}
	defer channel.Close()

	var profileClient *profile.Client
	if cfg.Profile.URL != "" {
		profileClient, err = profile.NewClient(&profile.Config{
			BaseURL: cfg.Profile.URL,
			Token:   cfg.Profile.Token,
			Logger:  l.With().Str("component", "profile").Logger(),
		})
		if err != nil {
			l.Fatal().Err(err).Msg("profile client")
		}
	}

	var (
		ua        *sipua.UA
		sipDialer calling.SIPDialer
	)
	if profileClient != nil && cfg.SIP.WSURL != "" {
		p, err := profileClient.Fetch(ctx)
		switch {
		case err != nil:
			l.Warn().Err(err).Msg("phone profile unavailable, SIP route disabled")
		case !p.Complete():
			l.Info().Msg("phone profile incomplete, SIP route disabled")
		default:
			ua, err = sipua.New(&sipua.Config{
				SignalingURL: cfg.SIP.WSURL,
				Username:     p.Extension,
				Password:     p.Password,
				Domain:       p.Domain,
				DisplayName:  cfg.Identity.DisplayName,
				Logger:       l.With().Str("component", "sipua").Logger(),
			})
			if err != nil {
				l.Fatal().Err(err).Msg("SIP user agent")
			}
			if err := ua.Start(ctx); err != nil {
				l.Warn().Err(err).Msg("SIP registration failed, SIP route disabled")
				ua = nil
			} else {
				defer ua.Stop()
				sipDialer = calling.NewSIPDialer(ua)
			}
		}
	}

	devices := mediadev.NewManager(l.With().Str("component", "mediadev").Logger())

	sessionCfg := calling.DefaultConfig()
	sessionCfg.UserID = cfg.Identity.UserID
	sessionCfg.DisplayName = cfg.Identity.DisplayName
	sessionCfg.DefaultCountryCode = cfg.SIP.DefaultCountryCode
	sessionCfg.SIPPrefix = cfg.SIP.Prefix
	sessionCfg.STUNURLs = cfg.ICE.STUNURLs
	sessionCfg.TURNURLs = cfg.ICE.TURNURLs
	sessionCfg.TURNUsername = cfg.ICE.TURNUsername
	sessionCfg.TURNCredential = cfg.ICE.TURNCredential
	sessionCfg.Logger = l.With().Str("component", "calling").Logger()

	session := calling.NewSession(sessionCfg, channel, sipDialer, calling.NewDeviceManager(devices))
	defer session.Close()

	if cfg.Identity.Room != "" {
		if err := session.Listen(cfg.Identity.Room); err != nil {
			l.Warn().Err(err).Str("room", cfg.Identity.Room).Msg("inbound room join failed")
		}
	}

	// The backend learns about registration and call state changes so other
	// clients can show this endpoint's phone presence.
	if profileClient != nil {
		report := func() {
			err := profileClient.ReportStatus(ctx, profile.StatusReport{
				Registered: ua != nil && ua.Registered(),
				Status:     session.Status().String(),
			})
			if err != nil {
				l.Debug().Err(err).Msg("status report failed")
			}
		}
		if ua != nil {
			ua.OnRegistration(func(bool, string) { report() })
		}
		session.On(calling.EventStatusChange, func(interface{}) { report() })
		report()
	}

	handler := control.NewHandler(session, devices, l.With().Str("component", "control").Logger())
	srv := &http.Server{
		Addr:    cfg.Control.ListenAddr,
		Handler: handler.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Control.ListenAddr).Msg("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("control API")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	l.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Control.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("control API shutdown")
	}
}
