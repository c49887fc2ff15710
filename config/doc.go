// Package config loads bridge configuration with viper from YAML, TOML or
// JSON files and VMBRIDGE_* environment variables, validates it and
// converts it into the settings of the engine, tasks, nvs and filter.
//
//	engine:
//	  global_base: 4096
//	  exec_budget: 250ms
//	nvs:
//	  backend: sqlite
//	  path: nvs.db
//	tasks:
//	  interval: 5s
//	  manifest: deploy.yaml
package config
