package app

import (
	corebootstrap "github.com/m3rciful/savebot/core/bootstrap"
)

// Bootstrap initializes logging, database, and migrations, then assembles
// the application.
func Bootstrap(cfg *Config) (*App, error) {
	res, err := corebootstrap.Run(corebootstrap.Options{
		Config:   cfg.CoreConfig(),
		Database: cfg.Database,
	})
	if err != nil {
		return nil, err
	}
	return New(cfg, res.DB)
}
