// Package config loads warden's configuration in three layers: built-in
// defaults, an optional YAML file, then WARDEN_* environment variables.
// Later layers win, so a deployment can ship a base file and override
// individual settings per environment.
//
//	cfg, err := config.LoadConfig("/etc/warden/config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// The YAML file path can also come from WARDEN_CONFIG_FILE.
package config
