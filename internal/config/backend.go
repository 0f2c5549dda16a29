package config

// ConfigBackend is the persistent layer under defaults and env overrides.
// Secrets never pass through it.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	Delete(key string) error
}
