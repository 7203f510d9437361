package config

import (
	"fmt"

	"github.com/samber/lo"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

func publicSpecs() []keySpec {
	return lo.Reject(specs, func(s keySpec, _ int) bool { return s.secret })
}

func findSpec(key string) (keySpec, error) {
	s, ok := lo.Find(specs, func(s keySpec) bool { return s.key == key })
	if !ok {
		return keySpec{}, fmt.Errorf("unknown config key: %q", key)
	}
	return s, nil
}

// ShowAll lists the effective value of every non-secret key.
func ShowAll(cfg Config) []KeyInfo {
	return lo.Map(publicSpecs(), func(s keySpec, _ int) KeyInfo {
		return KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))}
	})
}

// ValidKeys returns the names of all non-secret keys.
func ValidKeys() []string {
	return lo.Map(publicSpecs(), func(s keySpec, _ int) string { return s.key })
}

// SetKey validates value and writes it to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, err := findSpec(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("%q is a secret; use 'tankyu config set-secret' or environment variable %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", s.typeName(), key, err)
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// UnsetKey removes a stored value so the default applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b ConfigBackend, key string) error {
	if _, err := findSpec(key); err != nil {
		return err
	}
	return b.Delete(key)
}

// SetSecret stores a secret key such as llm.api_key in the keychain.
func SetSecret(kc Keychain, key, value string) error {
	s, err := findSpec(key)
	if err != nil {
		return err
	}
	if !s.secret {
		return fmt.Errorf("%q is not a secret; use 'tankyu config set'", key)
	}
	if value == "" {
		return fmt.Errorf("empty value for %s", key)
	}
	return kc.Set(keychainService, key, value)
}
