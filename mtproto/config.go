package mtproto

import (
	"fmt"
	"sync"
)

// Config carries the application credentials and call limits handed to the
// registered client implementation.
type Config struct {
	APIID   int    `yaml:"api_id" envconfig:"API_ID"`
	APIHash string `yaml:"api_hash" envconfig:"API_HASH"`
	// CallTimeoutSeconds bounds every single network call made through a
	// Client; 0 -> 30.
	CallTimeoutSeconds int `yaml:"call_timeout_seconds" envconfig:"MTPROTO_CALL_TIMEOUT_SECONDS"`
}

// Validate checks the required application credentials.
func (c Config) Validate() error {
	if c.APIID == 0 {
		return fmt.Errorf("mtproto: api_id is required")
	}
	if c.APIHash == "" {
		return fmt.Errorf("mtproto: api_hash is required")
	}
	if c.CallTimeoutSeconds < 0 {
		return fmt.Errorf("mtproto: call_timeout_seconds must be >= 0")
	}
	return nil
}

var (
	activeMu sync.RWMutex
	active   Config
)

// SetConfig installs the application credentials the registered factory
// reads when it builds clients.
func SetConfig(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	activeMu.Lock()
	defer activeMu.Unlock()
	active = c
	return nil
}

// ActiveConfig returns the credentials installed via SetConfig.
func ActiveConfig() Config {
	activeMu.RLock()
	defer activeMu.RUnlock()
	return active
}
