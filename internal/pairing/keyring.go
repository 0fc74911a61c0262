package pairing

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/nextlevelbuilder/deskpilot/internal/config"
)

const (
	keyringService = "deskpilot"
	keyringUser    = "pairing-pin"
)

// KeyringStore keeps a pinned PIN in the OS credential store so it survives
// restarts without sitting in a plain-text config file.
type KeyringStore struct{}

// Load returns the pinned PIN, or "" when none is stored.
func (KeyringStore) Load() (string, error) {
	pin, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	if !config.ValidPIN(pin) {
		return "", fmt.Errorf("keyring holds an invalid pin")
	}
	return pin, nil
}

// Save stores pin.
func (KeyringStore) Save(pin string) error {
	if !config.ValidPIN(pin) {
		return fmt.Errorf("pin must be %d digits", PINLength)
	}
	if err := keyring.Set(keyringService, keyringUser, pin); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

// Clear removes the stored PIN. Clearing an empty keyring is not an error.
func (KeyringStore) Clear() error {
	err := keyring.Delete(keyringService, keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

// ResolvePIN picks the startup PIN: configuration/env first, then the
// keyring when enabled. Keyring failures are reported but not fatal.
func ResolvePIN(cfg config.PairingConfig, ks KeyringStore) (pin string, err error) {
	if cfg.FixedPIN != "" {
		return cfg.FixedPIN, nil
	}
	if !cfg.UseKeyring {
		return "", nil
	}
	return ks.Load()
}
