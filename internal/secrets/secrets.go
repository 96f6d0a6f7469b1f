// Package secrets carries exchange credentials from the account store into a worker container
// without ever writing them to the host side configuration template.
//
// The host keeps a template whose credential fields hold placeholders. Real values are handed
// to the container only as environment variables. Inside the container, the entrypoint merges
// them into a container-local runtime file, verifies the merge and only then starts the
// trading process.
package secrets

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	PlaceholderAPIKey = "PLACEHOLDER_API_KEY"
	PlaceholderSecret = "PLACEHOLDER_SECRET"

	EnvAPIKey     = "FT_API_KEY"
	EnvAPISecret  = "FT_API_SECRET"
	EnvMaxCapital = "FT_MAX_CAPITAL"
)

var (
	ErrCredentialsAbsent  = errors.New("credentials not provided")
	ErrVerificationFailed = errors.New("runtime configuration verification failed")
)

type Credentials struct {
	APIKey string `json:"api_key"`
	Secret string `json:"secret"`
}

func (c Credentials) Complete() bool {
	return c.APIKey != "" && c.Secret != ""
}

// String keeps credentials out of fmt and slog output.
func (c Credentials) String() string {
	return fmt.Sprintf("key=%s secret=%s", Mask(c.APIKey), Mask(c.Secret))
}

func IsPlaceholder(v string) bool {
	return v == PlaceholderAPIKey || v == PlaceholderSecret
}

// Env returns the container environment for a worker.
func Env(c Credentials, maxCapital float64) map[string]string {
	return map[string]string{
		EnvAPIKey:     c.APIKey,
		EnvAPISecret:  c.Secret,
		EnvMaxCapital: strconv.FormatFloat(maxCapital, 'f', -1, 64),
	}
}

// FromEnv reads the credentials a container was started with.
func FromEnv(lookup func(string) string) (Credentials, string, error) {
	c := Credentials{
		APIKey: lookup(EnvAPIKey),
		Secret: lookup(EnvAPISecret),
	}
	if !c.Complete() {
		var missing []string
		if c.APIKey == "" {
			missing = append(missing, EnvAPIKey)
		}
		if c.Secret == "" {
			missing = append(missing, EnvAPISecret)
		}
		return Credentials{}, "", fmt.Errorf("%w: %v unset or empty", ErrCredentialsAbsent, missing)
	}
	return c, lookup(EnvMaxCapital), nil
}

// Mask renders a credential as its first 8 and last 4 characters.
func Mask(v string) string {
	switch {
	case v == "":
		return "<unset>"
	case IsPlaceholder(v):
		return v
	case len(v) <= 12:
		return "****"
	}
	return v[:8] + "..." + v[len(v)-4:]
}
