package cadence

import "os"

// FeatureFlags is the read-only feature-flag capability spec.md §6
// describes: when ZeroHertzScreenshareEnabled is false,
// SetZeroHertzModeEnabled is a no-op and the adapter stays in
// PASSTHROUGH.
type FeatureFlags interface {
	ZeroHertzScreenshareEnabled() bool
}

// zeroHertzEnvVar is the environment variable gating zero-hertz mode,
// following cmd/prism/main.go's envOr environment-variable
// configuration convention rather than a flags/config file library,
// which nothing in this codebase uses.
const zeroHertzEnvVar = "CADENCE_ZERO_HERTZ_SCREENSHARE"

// EnvFeatureFlags reads FeatureFlags from the environment. Zero-hertz
// screenshare is disabled unless CADENCE_ZERO_HERTZ_SCREENSHARE is set
// to a non-empty value.
type EnvFeatureFlags struct{}

var _ FeatureFlags = EnvFeatureFlags{}

func (EnvFeatureFlags) ZeroHertzScreenshareEnabled() bool {
	return os.Getenv(zeroHertzEnvVar) != ""
}

// StaticFlags is a FeatureFlags with a fixed value, used by tests and
// by callers that already know the flag's value at construction time.
type StaticFlags bool

var _ FeatureFlags = StaticFlags(false)

func (f StaticFlags) ZeroHertzScreenshareEnabled() bool { return bool(f) }
