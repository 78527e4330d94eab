// Package config loads environment variables into tagged structs using
// caarlos0/env. A .env file in the working directory is applied once
// through godotenv before the first parse.
//
//	type Config struct {
//		Backend string        `env:"RATELIMIT_BACKEND" envDefault:"memory"`
//		Purge   time.Duration `env:"RATELIMIT_PURGE_INTERVAL" envDefault:"5m"`
//	}
//
//	var cfg Config
//	config.MustLoad(&cfg)
//
// Each struct type is parsed once and cached, so integration packages can
// call Load for their own Config wherever they need it. Reset clears the
// cache in tests.
package config
