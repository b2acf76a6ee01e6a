// Package config loads the gateway configuration.
//
// Configuration is built in layers. Default supplies every value, each file
// layer overrides only the keys it sets and WSBRIDGE_* environment variables
// are applied last. Files may be YAML or JSON; unknown keys are rejected.
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/wsbridge/base.yaml")
//	loader.AddLayer("/etc/wsbridge/site.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// A minimal file only needs a credential source:
//
//	auth:
//	  jwt_secret: "change-me-to-at-least-32-bytes-of-secret"
//	nats:
//	  urls: ["nats://nats-1:4222", "nats://nats-2:4222"]
//
// # Environment
//
// The following variables override file values when set and non-empty:
//
//	WSBRIDGE_SERVER_ADDR, WSBRIDGE_SERVER_PATH
//	WSBRIDGE_JWT_SECRET, WSBRIDGE_JWT_ISSUER, WSBRIDGE_JWT_AUDIENCE
//	WSBRIDGE_AUTH_TIMEOUT, WSBRIDGE_MAX_PAYLOAD_SIZE
//	WSBRIDGE_NATS_URLS (comma separated)
//	WSBRIDGE_NATS_USERNAME, WSBRIDGE_NATS_PASSWORD, WSBRIDGE_NATS_TOKEN
//	WSBRIDGE_METRICS_ADDR, WSBRIDGE_LOG_LEVEL, WSBRIDGE_LOG_FORMAT
//	WSBRIDGE_TLS_CERT_FILE, WSBRIDGE_TLS_KEY_FILE
//
// # Runtime access
//
// SafeConfig holds a validated configuration behind a RWMutex and hands out
// deep copies. Redacted returns a copy with the JWT secret, NATS credentials
// and device tokens masked; String renders that copy and is what log lines
// should use.
//
// The To* and NATSOptions methods translate the file layout into the
// settings of the gateway, bridge, auth and natsclient packages.
package config
