// Package config handles configuration loading for branchsync.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults. A single file serves
// both the terminal and the authority server; each binary reads the sections
// it needs.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${BRANCHSYNC_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  interval: "1m"
//	  debounce: "2s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Authority connection (terminal side):
//
//	authority:
//	  base_url: "https://authority.example.com"
//	  realtime_url: "wss://authority.example.com/ws"
//	  token: "${BRANCHSYNC_TOKEN}"
//	  timeout: "30s"
//
// Branch scope:
//
//	branch:
//	  user_id: "terminal-north-1"
//	  branch_ids: ["north"]
//	  master: false
//
// Database:
//
//	database:
//	  path: "/var/lib/branchsync/terminal.db"
//
// Server (authority side):
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/branchsync/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
