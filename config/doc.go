// Package config loads the gateway configuration.
//
// A Loader starts from Default, merges each file layer over it (JSON or
// YAML, chosen by extension; only keys present in a layer override), then
// applies GATEWAY_* environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/gateway/gateway.yaml")
//	loader.AddLayer("/etc/gateway/production.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Durations are strings ("7500ms", "2s", "14d"); bare numbers are
// milliseconds. Files are size and depth checked before parsing.
//
// Recognised environment overrides: GATEWAY_NATS_URLS (comma separated),
// GATEWAY_NATS_USERNAME, GATEWAY_NATS_PASSWORD, GATEWAY_NATS_TOKEN,
// GATEWAY_REDIS_ADDR, GATEWAY_REDIS_PASSWORD, GATEWAY_CONTROL_CHANNEL,
// GATEWAY_SESSION_SECRET, GATEWAY_SHUTDOWN_CODE, GATEWAY_LOG_LEVEL,
// GATEWAY_PORT, GATEWAY_WORKERS and GATEWAY_METRICS_PORT.
//
// Config maps its sections to the settings of each subsystem
// (GatewayConfig, ClusterConfig, WorkerConfig, BridgeConfig, ControlConfig,
// NATSOptions, Signer). SafeConfig holds the active configuration when it
// can be reloaded at runtime.
package config
