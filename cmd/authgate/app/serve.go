// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/authgate/authgate/pkg/authorize"
	"github.com/authgate/authgate/pkg/ciba"
	"github.com/authgate/authgate/pkg/clientauth"
	"github.com/authgate/authgate/pkg/clients"
	"github.com/authgate/authgate/pkg/config"
	"github.com/authgate/authgate/pkg/device"
	"github.com/authgate/authgate/pkg/grants"
	"github.com/authgate/authgate/pkg/keys"
	"github.com/authgate/authgate/pkg/logger"
	"github.com/authgate/authgate/pkg/registration"
	"github.com/authgate/authgate/pkg/server"
	"github.com/authgate/authgate/pkg/session"
	"github.com/authgate/authgate/pkg/tokens"
)

const (
	defaultListenAddr = ":8080"
	shutdownTimeout   = 10 * time.Second
)

// cookieLogin is the reference interaction service. It approves
// whenever the authorize endpoint resolved a live browser session and
// sends everyone else to the login page. A real deployment replaces
// this with its own authentication and consent UI.
type cookieLogin struct {
	loginURL string
}

func (c *cookieLogin) Interact(ctx context.Context, req *authorize.Request) (*authorize.InteractionResult, error) {
	if sess, ok := server.AuthSessionFromContext(ctx); ok {
		return authorize.Approved(sess, req.Scopes, nil), nil
	}
	return authorize.LoginRequired(c.loginURL), nil
}

// emptyClaims releases no claims beyond the mandatory sub.
type emptyClaims struct{}

func (emptyClaims) GetClaims(context.Context, string, []string, []string) (map[string]any, error) {
	return nil, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	path := viper.GetString("config")
	if path == "" {
		return fmt.Errorf("no configuration file specified, use --config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	store, err := cfg.NewStorage(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	catalogue, err := clients.NewInMemoryStore(cfg.StaticClients()...)
	if err != nil {
		return fmt.Errorf("failed to seed the client catalogue: %w", err)
	}

	keyProvider, err := keys.NewProviderFromConfig(cfg.KeysConfig())
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}
	keySvc := keys.NewService(keyProvider)
	tokenSvc := tokens.NewService(cfg.Issuer, keySvc, store)

	resolver := clients.NewJWKSResolver()
	defer resolver.Close()
	subjects := clients.NewSubjectResolver([]byte(cfg.Issuer))

	fetcher := authorize.NewFetcher(resolver, store, cfg.Issuer)
	pipeline := authorize.NewPipeline(catalogue, fetcher)
	interaction := &cookieLogin{loginURL: cfg.Issuer + "/login"}
	authorizer := authorize.NewProcessor(pipeline, interaction, tokenSvc, subjects, store)

	sessions := session.NewManager(store, session.WithCookie(cfg.SessionCookie()))

	cibaEngine := ciba.NewEngine(store, store, catalogue, cfg.CIBAConfig())
	dispatcherOpts := []grants.DispatcherOption{
		grants.WithCIBAEngine(cibaEngine),
		grants.WithTrustedIssuers(resolver, cfg.TrustedIssuers()...),
	}
	if cfg.JWTBearer.ClockSkew > 0 {
		dispatcherOpts = append(dispatcherOpts, grants.WithClockSkew(cfg.JWTBearer.ClockSkew))
	}
	if cfg.JWTBearer.MaxJWTAge > 0 {
		dispatcherOpts = append(dispatcherOpts, grants.WithMaxJWTAge(cfg.JWTBearer.MaxJWTAge))
	}
	serverOpts := []server.Option{
		server.WithCIBA(cibaEngine),
		server.WithRegistration(registration.NewService(catalogue, store, tokenSvc, cfg.Issuer+server.PathRegister)),
		server.WithUserInfo(emptyClaims{}),
	}

	if cfg.Device.VerificationURI != "" {
		deviceEngine, err := device.NewEngine(store, store, store, cfg.DeviceConfig())
		if err != nil {
			return fmt.Errorf("failed to configure the device grant: %w", err)
		}
		dispatcherOpts = append(dispatcherOpts, grants.WithDeviceEngine(deviceEngine))
		serverOpts = append(serverOpts, server.WithDeviceGrant(deviceEngine))
	}
	if cfg.RateLimit.Requests > 0 {
		serverOpts = append(serverOpts, server.WithRateLimit(cfg.RateLimit.Requests, cfg.RateLimit.Window))
	}

	deps := server.Dependencies{
		Authenticator: clientauth.New(catalogue, resolver, store, cfg.Issuer, cfg.Issuer+server.PathToken),
		Authorizer:    authorizer,
		Grants:        grants.NewDispatcher(tokenSvc, subjects, store, cfg.Issuer+server.PathToken, dispatcherOpts...),
		Sessions:      sessions,
		EndSession:    session.NewProcessor(catalogue, store, tokenSvc),
		Tokens:        tokenSvc,
		Keys:          keySvc,
		Clients:       catalogue,
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(cfg.Issuer, deps, serverOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("authorization server listening", "addr", addr, "issuer", cfg.Issuer)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server stopped: %w", err)
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
