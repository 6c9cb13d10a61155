// Package config loads the Cauldron process configuration with viper.
//
// Precedence, highest first:
//  1. CAULDRON_* environment variables (dots become underscores:
//     broker.kind is CAULDRON_BROKER_KIND)
//  2. cauldron.yaml, given explicitly or found in the working directory or
//     the user config directory
//  3. built-in defaults
//
// Example cauldron.yaml:
//
//	broker:
//	  kind: postgres
//	  postgres_dsn: postgres://cauldron@localhost/cauldron
//	store:
//	  path: /var/lib/cauldron/state.db
//	hitl_sweep_interval: 30s
//	log_level: DEBUG
//
// The broker kind defaults to memory, and persistence is off until
// store.path is set.
package config
