// Package config handles loading and validating fleetmon configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Reading a .env file when one is present
//   - Overriding with FLEETMON_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Broker passwords, JWT secrets and the operator key should come from the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Server.ID)
package config
