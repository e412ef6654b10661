// Package config handles configuration loading for live-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Defaults are applied after parsing, then the result is validated.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	upstream:
//	  auth_profiles:
//	    - name: primary
//	      api_key: "${LIVE_UPSTREAM_KEY}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	upstream:
//	  connect_timeout: "10s"
//	  rate_limit_cooldown: "15s"
//	  billing_disable: "6h"
//	  silence_threshold: "12s"
//
// # Configuration Sections
//
//	server:        http_addr, live_path
//	tailscale:     optional tsnet listener
//	auth:          jwt_secret (empty disables auth)
//	upstream:      url, models, auth_profiles, setup fields, failover and watchdog timing,
//	               classification (status code -> billing|rate_limit|auth|failure)
//	orchestrator:  transport (http|grpc), url or grpc_addr, timeout, retries, backoff
//	session:       queue_size, max_message_bytes
//	tasks:         max_entries, completed_retention
//	replay:        backend (memory|redis), redis_url, ttl, max_entries
//	database:      path of the SQLite diagnostic ledger (empty disables it)
//	logging:       level, format (text|json)
//	metrics:       enabled, path
package config
