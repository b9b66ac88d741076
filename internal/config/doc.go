// Package config handles configuration loading for muster-coordinator.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and defaults for every timing value.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MUSTER_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/muster/coordinator.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	matrix:
//	  password: "${MUSTER_MATRIX_PASSWORD}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	coordinator:
//	  ping_interval: "15s"
//	  grace_period: "30s"
//	  pong_slack: "5s"
//
// # Example
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  username: "coordinator"
//	  password: "${MUSTER_MATRIX_PASSWORD}"
//
//	coordinator:
//	  broadcast_room: "#muster:example.org"
//	  room_prefix: "cmd_"
//	  bot_user: "@agent:example.org"
//
//	database:
//	  path: "./muster.db"
//
//	http:
//	  addr: "127.0.0.1:8090"
//
//	auth:
//	  jwt_secret: "${MUSTER_JWT_SECRET}"
//
//	transport:
//	  send_rate: 5
//	  send_burst: 10
//
//	logging:
//	  level: "info"
//	  format: "text"
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
