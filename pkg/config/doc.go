// Package config loads kiln configuration.
//
// Values start from Default, are overlaid by the YAML file named in
// KILN_CONFIG_FILE, and finally by KILN_* environment variables. Those may
// come from a dotenv file named in KILN_ENV_FILE:
//
//	KILN_PORT="8080"
//	KILN_HEALTH_PORT="9090"
//	KILN_POSTGRES_URL="postgres://localhost/kiln?sslmode=disable"
//	KILN_POSTGRES_REPLICA_URLS="postgres://replica1/kiln,postgres://replica2/kiln"
//	KILN_REDIS_URL="redis://localhost:6379"
//	KILN_S3_BUCKET="kiln-studio-photos"
//	KILN_OIDC_ISSUER_URL="https://accounts.example.com"
//	KILN_OIDC_CLIENT_ID="kiln"
//	KILN_OIDC_REDIRECT_URL="https://kiln.example.com/auth/callback"
//	KILN_BASE_URL="https://kiln.example.com"
//	KILN_ALLOWED_HOSTS="kiln.example.com,kiln.internal:8080"
//	KILN_JOIN_DAILY_LIMIT="10"
//	KILN_JOIN_WINDOW="24h"
//	KILN_SITE_ADMIN_EMAILS="ops@example.com"
//	KILN_LOG_LEVEL="info"
//	KILN_OTEL_ENABLED="true"
//
// The same settings in YAML:
//
//	server:
//	  port: "8080"
//	studio:
//	  base_url: https://kiln.example.com
//	  join_window: 24h
package config
