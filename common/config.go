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

package common

import "github.com/spf13/viper"

// ===============================================================================
// Gateway Related Config

// GatewayConfig defines the connection gateway parameters
type GatewayConfig struct {
	// MaxConnections is the global connection admission bound
	MaxConnections int `mapstructure:"max_connections" json:"max_connections" validate:"gte=1"`
	// MaxIdleSec is the max duration a connection can sit without inbound traffic
	// before the idle janitor disconnects it. Zero disables idle reaping.
	MaxIdleSec int `mapstructure:"max_idle_sec" json:"max_idle_sec" validate:"gte=0"`
	// ChannelRolePrefixes maps a channel name prefix to the role required to
	// subscribe to channels carrying that prefix
	ChannelRolePrefixes map[string]string `mapstructure:"channel_role_prefixes" json:"channel_role_prefixes"`
	// MessageTypeRoles maps an inbound message type to the role required to send it
	MessageTypeRoles map[string]string `mapstructure:"message_type_roles" json:"message_type_roles"`
	// AdminRole is the role required to operate the admin APIs
	AdminRole string `mapstructure:"admin_role" json:"admin_role" validate:"required"`
}

// ===============================================================================
// Rate Limit Related Config

// RateLimitWindowConfig defines one sliding window threshold
type RateLimitWindowConfig struct {
	// MaxRequests is the max number of requests allowed within one window
	MaxRequests int `mapstructure:"max_requests" json:"max_requests" validate:"gte=1"`
	// WindowSec is the sliding window length in seconds
	WindowSec int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
}

// RateLimitConfig defines the rate limiter parameters
type RateLimitConfig struct {
	// Mode is the limiter operating mode
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=production development testing"`
	// Bypass disables all checks. Ignored when Mode is production.
	Bypass bool `mapstructure:"bypass" json:"bypass"`
	// Gateway is the threshold applied to gateway websocket traffic
	Gateway RateLimitWindowConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// API is the threshold applied to general API traffic
	API RateLimitWindowConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================
// NATS Relay Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// RelayConfig defines the cross-node broadcast relay parameters
type RelayConfig struct {
	// Enabled controls whether broadcasts are relayed between gateway nodes
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// SubjectPrefix is the NATS subject prefix relay traffic is exchanged on
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// EndpointConfig defines API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for a gateway node
type SystemConfig struct {
	// Gateway are the connection gateway config parameters
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// RateLimit are the rate limiter config parameters
	RateLimit RateLimitConfig `mapstructure:"ratelimit" json:"ratelimit" validate:"required,dive"`
	// Relay are the cross-node broadcast relay config parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// HTTP are the API server configs
	HTTP HTTPConfig `mapstructure:"http" json:"http" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default gateway settings
	viper.SetDefault("gateway.max_connections", 4096)
	viper.SetDefault("gateway.max_idle_sec", 0)
	viper.SetDefault("gateway.channel_role_prefixes", map[string]string{})
	viper.SetDefault("gateway.message_type_roles", map[string]string{})
	viper.SetDefault("gateway.admin_role", "admin")

	// Default rate limit settings
	viper.SetDefault("ratelimit.mode", "production")
	viper.SetDefault("ratelimit.bypass", false)
	viper.SetDefault("ratelimit.gateway.max_requests", 60)
	viper.SetDefault("ratelimit.gateway.window_sec", 60)
	viper.SetDefault("ratelimit.api.max_requests", 600)
	viper.SetDefault("ratelimit.api.window_sec", 60)

	// Default relay settings
	viper.SetDefault("relay.enabled", false)
	viper.SetDefault("relay.subject_prefix", "wsgateway")
	viper.SetDefault("relay.nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("relay.nats.connect_timeout_sec", 30)
	viper.SetDefault("relay.nats.reconnect.max_attempts", -1)
	viper.SetDefault("relay.nats.reconnect.wait_interval_sec", 15)

	// Default HTTP server settings
	viper.SetDefault("http.endpoint_config.path_prefix", "/")
	viper.SetDefault("http.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("http.server_config.listen_port", 3000)
	viper.SetDefault("http.server_config.read_timeout_sec", 60)
	viper.SetDefault("http.server_config.write_timeout_sec", 60)
	viper.SetDefault("http.server_config.idle_timeout_sec", 600)
	viper.SetDefault("http.logging_config.request_id_header", "Wsgateway-Request-ID")
	viper.SetDefault(
		"http.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
