// Package config handles loading and validating Hive Core configuration.
//
// Configuration is read from a YAML file, then a local .env file (if one
// exists) and HIVE_* environment variables are layered on top. Secrets such
// as the JWT key and broker credentials belong in the environment, not the
// file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Node.ID)
package config
