package manifest

import "fmt"

// ConfigurationError represents a pre-flight configuration problem
// (missing healthcheck, unresolved host/user/dir, unknown service
// filter, malformed label) that aborts the run before any mutation
// and maps to exit code 3 (spec §7).
type ConfigurationError struct {
	Service string
	Label   string
	Message string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Service != "" && e.Label != "":
		return fmt.Sprintf("configuration error: service %q, label %q: %s", e.Service, e.Label, e.Message)
	case e.Service != "":
		return fmt.Sprintf("configuration error: service %q: %s", e.Service, e.Message)
	default:
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
}

func newConfigError(service, label, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		Service: service,
		Label:   label,
		Message: fmt.Sprintf(format, args...),
	}
}
