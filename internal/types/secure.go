package types

// SecretString holds a sensitive configuration value (API keys, signing
// secrets, connection strings). Its Stringer and JSON marshaler emit a fixed
// placeholder so a secret can never leak through fmt, slog, or a serialized
// config dump. Call Unmask at the exact point the raw value is needed.
type SecretString string

const redacted = "***REDACTED***"

// String returns the redacted placeholder instead of the raw value.
func (s SecretString) String() string { return redacted }

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// Unmask returns the raw secret. Usage should be limited to constructing
// Authorization headers, signature checks, and connection strings.
func (s SecretString) Unmask() string { return string(s) }
