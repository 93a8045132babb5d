// Package config handles configuration loading for ums-session.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Load starts from Default(), so a file only names what it changes.
// The format follows the file extension: .toml is TOML, anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  resolver_url: "${UMS_RESOLVER_URL}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	connection:
//	  heartbeat_interval: "60s"
//	  retry_delay: "2s"
//
// # Configuration Sections
//
//	account:
//	  id: "12345678"          # required
//	  skill_id: "billing"     # optional routing
//
//	auth:
//	  resolver_url: "https://resolver.example"  # required
//	  directory_url: "https://directory.example"
//	  primary_connector: "webapp"
//	  elevated_connector: "sso"
//	  request_timeout: "15s"
//
//	connection:
//	  heartbeat_interval: "60s"
//	  retry_delay: "2s"
//	  max_retries: 5
//	  dial_timeout: "10s"
//
//	session:
//	  settle_delay: "300ms"
//	  secure_form_timeout: "60s"
//	  directory_cache_size: 256
//
//	storage:
//	  path: "ums-session.db"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: false
//	  addr: "127.0.0.1:9464"
package config
