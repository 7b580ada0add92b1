// Package credentials stores profile passwords in the system keyring.
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keyring service name entries are stored under.
const DefaultService = "ovpn-bridge"

// Common errors returned by the store.
var (
	ErrNotFound    = errors.New("credential not found")
	ErrInvalidKey  = errors.New("profile name and username are required")
	ErrUnavailable = errors.New("keyring service unavailable")
)

// Store keeps one password per (profile, username) pair.
type Store struct {
	service string
}

// New creates a store using service as the keyring service name.
func New(service string) *Store {
	if service == "" {
		service = DefaultService
	}
	return &Store{service: service}
}

func account(profile, username string) (string, error) {
	profile = strings.TrimSpace(profile)
	username = strings.TrimSpace(username)
	if profile == "" || username == "" {
		return "", ErrInvalidKey
	}
	return profile + "/" + username, nil
}

// Save stores password for the profile and username.
func (s *Store) Save(profile, username, password string) error {
	key, err := account(profile, username)
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}
	if err := keyring.Set(s.service, key, password); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Lookup returns the stored password.
func (s *Store) Lookup(profile, username string) (string, error) {
	key, err := account(profile, username)
	if err != nil {
		return "", err
	}
	password, err := keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return password, nil
}

// Delete removes a stored password. Deleting a missing entry is not an error.
func (s *Store) Delete(profile, username string) error {
	key, err := account(profile, username)
	if err != nil {
		return err
	}
	if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
