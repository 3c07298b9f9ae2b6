// Copyright 2022 The wsgateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wsgateway/apis"
	"github.com/alwitt/wsgateway/common"
	"github.com/alwitt/wsgateway/core"
	"github.com/alwitt/wsgateway/gateway"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the connection gateway server until runtimeContext ends
func RunGatewayServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}

	// -------------------------------------------------------------------
	// Define the cross-node relay

	var relay gateway.BroadcastRelay
	var err error
	if config.Relay.Enabled && natsClient != nil {
		relay, err = gateway.GetNATSBroadcastRelay(
			*natsClient, config.Relay.SubjectPrefix, instance,
		)
	} else {
		relay, err = gateway.GetDisabledBroadcastRelay()
	}
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast relay")
		return err
	}

	// -------------------------------------------------------------------
	// Define the connection gateway

	gw, err := gateway.GetConnectionGateway(
		runtimeContext, gateway.GatewayParams{
			MaxConnections:      config.Gateway.MaxConnections,
			MessageTypeRoles:    config.Gateway.MessageTypeRoles,
			ChannelRolePrefixes: config.Gateway.ChannelRolePrefixes,
			LimiterMode:         gateway.LimiterMode(config.RateLimit.Mode),
			LimiterBypass:       config.RateLimit.Bypass,
			GatewayLimits: gateway.RouterLimits{
				MaxRequests: config.RateLimit.Gateway.MaxRequests,
				Window:      time.Second * time.Duration(config.RateLimit.Gateway.WindowSec),
			},
		}, relay,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection gateway")
		return err
	}
	if err := gw.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start connection gateway")
		return err
	}

	// -------------------------------------------------------------------
	// Define the HTTP handlers

	checkReady := func() error {
		if config.Relay.Enabled && natsClient != nil {
			if natsClient.NATs().Status() != nats.CONNECTED {
				return fmt.Errorf("relay NATS connection not healthy")
			}
		}
		return nil
	}

	sessionHandler, err := apis.GetAPIRestGatewaySessionHandler(gw, &config.HTTP)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session HTTP handler")
		return err
	}
	adminHandler, err := apis.GetAPIRestGatewayAdminHandler(
		gw,
		&config.Gateway,
		gateway.RouterLimits{
			MaxRequests: config.RateLimit.API.MaxRequests,
			Window:      time.Second * time.Duration(config.RateLimit.API.WindowSec),
		},
		&config.HTTP,
		checkReady,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define admin HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.HTTP.Endpoints.PathPrefix, nil)

	// Gateway session route
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", map[string]http.HandlerFunc{
		"get": sessionHandler.ServeSessionHandler(),
	})

	// Admin routes
	adminAPIRouter := apis.RegisterPathPrefix(mainRouter, "/v1/admin", nil)
	_ = apis.RegisterPathPrefix(
		adminAPIRouter, "/policy/message-types", map[string]http.HandlerFunc{
			"get": adminHandler.GetMessageTypeRolesHandler(),
			"put": adminHandler.UpdateMessageTypeRolesHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(adminAPIRouter, "/stats", map[string]http.HandlerFunc{
		"get": adminHandler.GetStatsHandler(),
	})
	_ = apis.RegisterPathPrefix(adminAPIRouter, "/ratelimit/reset", map[string]http.HandlerFunc{
		"post": adminHandler.ResetRateLimitHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": adminHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": adminHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(adminHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// -------------------------------------------------------------------
	// Start the idle connection janitor

	if config.Gateway.MaxIdleSec > 0 {
		maxIdle := time.Second * time.Duration(config.Gateway.MaxIdleSec)
		janitor, err := common.GetIntervalTimerInstance("idle-janitor", runtimeContext, wg)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define idle janitor")
			return err
		}
		if err := janitor.Start(maxIdle/2, func() error {
			if reaped := gw.ReapIdleConnections(maxIdle, time.Now()); reaped > 0 {
				log.WithFields(logTags).Infof("Idle janitor reaped %d connections", reaped)
			}
			return nil
		}, false); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start idle janitor")
			return err
		}
		defer func() {
			if err := janitor.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during janitor shutdown")
			}
		}()
	}

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Stop the gateway
	if err := gw.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during gateway shutdown")
	}

	return nil
}
