package policy

import "fmt"

// ConfigError reports a policy document that could not be loaded or
// validated. The previously active snapshot, if any, stays in effect.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("policy: %s", e.Message)
	}
	return fmt.Sprintf("policy: config error for field %q: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configErrorf(field, format string, args ...interface{}) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}
