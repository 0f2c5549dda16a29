package config

import (
	"errors"
	"fmt"
)

// ErrUnknownKey is returned for a key outside ValidKeys.
var ErrUnknownKey = errors.New("unknown config key")

// KeyInfo is one displayable config entry.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// publicSpecs is the key table without secrets.
func publicSpecs() []keySpec {
	out := make([]keySpec, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			out = append(out, s)
		}
	}
	return out
}

// ShowAll lists every non-secret key with its effective value in cfg.
func ShowAll(cfg Config) []KeyInfo {
	pub := publicSpecs()
	infos := make([]KeyInfo, len(pub))
	for i, s := range pub {
		infos[i] = KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))}
	}
	return infos
}

// ValidKeys returns the keys accepted by SetKey and UnsetKey.
func ValidKeys() []string {
	pub := publicSpecs()
	keys := make([]string, len(pub))
	for i, s := range pub {
		keys[i] = s.key
	}
	return keys
}

// SetKey stores value for key in the config file.
func SetKey(key, value string) error {
	return setKeyWith(newFileBackend(ConfigFilePath()), key, value)
}

// UnsetKey removes key from the config file so its default applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newFileBackend(ConfigFilePath()), key)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, ok := specFor(key)
	switch {
	case !ok:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	case s.secret:
		return fmt.Errorf("%s is a secret and is read from the environment only; set %s", key, s.env)
	}
	v, err := parseValue(s.typ, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	// Store the parsed form so "03" and "3" land as the same value.
	return b.SetString(key, fmt.Sprint(v))
}

func unsetKeyWith(b ConfigBackend, key string) error {
	if s, ok := specFor(key); !ok || s.secret {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return b.Delete(key)
}
