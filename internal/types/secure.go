package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString hides its value from fmt and encoding/json so that API keys
// and connection strings never end up in logs or config dumps.
// Call Unmask to get the raw value.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value. Only pass the result to the client or driver
// that needs it.
func (s SecretString) Unmask() string {
	return string(s)
}

// IsZero reports whether no secret was configured.
func (s SecretString) IsZero() bool {
	return s == ""
}
