package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/ati-tutor/tutor-chat/internal/core"
)

// ErrNoCredential means no API key has been saved or configured.
var ErrNoCredential = fmt.Errorf("%w: no API key configured", core.ErrAuthentication)

// CredentialStore is the single persisted credential slot.
type CredentialStore interface {
	SaveCredential(value string) error
	LoadCredential() (string, error)
}

// Credentials resolves the API key at call time, so a key saved while the
// server runs is picked up by the next request.
type Credentials struct {
	store CredentialStore
}

func NewCredentials(store CredentialStore) *Credentials {
	return &Credentials{store: store}
}

// Key returns the current key. It satisfies core.KeySource.
func (c *Credentials) Key() (string, error) {
	key, err := c.store.LoadCredential()
	if err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrNoCredential
	}
	return key, nil
}

func (c *Credentials) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("credential cannot be empty")
	}
	if err := c.store.SaveCredential(value); err != nil {
		return err
	}
	log.Printf("API key updated (%s).", MaskKey(value))
	return nil
}

// Masked returns the current key in display form and whether one is set.
func (c *Credentials) Masked() (string, bool, error) {
	key, err := c.Key()
	if errors.Is(err, ErrNoCredential) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return MaskKey(key), true, nil
}

// MaskKey keeps the first and last five characters of keys longer than ten.
func MaskKey(key string) string {
	r := []rune(key)
	if len(r) <= 10 {
		return key
	}
	return string(r[:5]) + "***" + string(r[len(r)-5:])
}

// RequireCredential rejects requests with 503 while no key is available.
func (c *Credentials) RequireCredential(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := c.Key(); err != nil {
			if !errors.Is(err, ErrNoCredential) {
				log.Printf("Error loading credential: %v", err)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"error": core.UserMessage(err)})
			return
		}
		next.ServeHTTP(w, r)
	})
}
