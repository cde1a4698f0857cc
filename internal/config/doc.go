// Package config loads marketchat configuration.
//
// # Formats
//
// Configuration is read from YAML (marketchat.yaml) or TOML (marketchat.toml);
// the file extension picks the decoder. ${VAR} references are expanded from the
// environment before decoding, and .env files are loaded first with
// LoadDotEnv so secrets can live outside the config file.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	database:
//	  driver: sqlite          # sqlite (pure Go), sqlite3 (cgo) or postgres
//	  path: ./marketchat.db
//	  dsn: ${DATABASE_URL}    # postgres only
//
//	auth:
//	  jwt_secret: ${JWT_SECRET}
//	  cookie_name: session
//	  token_ttl: 168h
//
//	cache:
//	  redis_url: ""           # empty uses the in-memory cache
//	  ttl: 5m
//	  max_entries: 10000
//
//	chat:
//	  max_message_length: 4000
//	  history_limit: 200      # 0 returns the full history
//	  dedupe_ttl: 10m
//	  poll_interval: 3s
//
//	logging:
//	  level: info
//	  format: text            # or json
//
// # Environment overrides
//
//   - MARKETCHAT_CONFIG: path to the config file
//   - MARKETCHAT_DB_PATH: overrides database.path
//   - DATABASE_URL: fills database.dsn and selects postgres when no driver is set
package config
