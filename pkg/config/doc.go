// Package config loads the instanced daemon configuration and the service
// profile catalog.
//
// # Daemon Configuration
//
// Load reads a YAML file over Default and applies INSTANCED_* environment
// overrides before validating:
//
//	server:
//	  listen: ":8080"
//	database:
//	  path: /var/lib/instanced/instanced.db
//	secrets:
//	  identity_file: /etc/instanced/instanced.key
//	orchestrator:
//	  limits: {cloud: 3, local: 10, remote: 10}
//	  provisioning: {poll_interval: 10s, max_attempts: 30}
//	  reconcile: {interval: 15m, parallelism: 4}
//	policy:
//	  enabled: true
//	  paths: [/etc/instanced/policies]
//	  watch: true
//	  data_file: /etc/instanced/policy-data.json
//	profiles:
//	  catalog: /etc/instanced/profiles.cue
//	events:
//	  backend: nats
//	  nats_url: nats://127.0.0.1:4222
//	auth:
//	  secret_env: INSTANCED_AUTH_SECRET
//	  issuer: https://auth.example.com
//
// # Profile Catalog
//
// Service profiles are authored in CUE and checked against a built-in
// schema that fills defaults for memory, cpu, concurrency and scale:
//
//	profiles: {
//		standard: image: "ghcr.io/acme/runtime:1.4"
//		large: {
//			image:      "ghcr.io/acme/runtime:1.4"
//			memory_mib: 4096
//			cpu:        "2"
//			max_scale:  10
//		}
//	}
//
// Decoded profiles are validated once more with engine.Validate. Errors carry
// file positions when CUE reports them. SyncProfiles stores a catalog as
// global profiles shared by every tenant.
package config
