package campaign

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// DispatchConfig is the immutable snapshot of dispatch settings captured when
// a campaign starts.
type DispatchConfig struct {
	ConcurrencyLimit int `json:"concurrency_limit" validate:"min=1,max=200"`
	// ChunkSize is the number of recipients pulled per invocation.
	// Defaults to ConcurrencyLimit.
	ChunkSize         int `json:"chunk_size" validate:"min=1,max=1000"`
	MaxAttempts       int `json:"max_attempts" validate:"min=1,max=20"`
	RetryDelayMinutes int `json:"retry_delay_minutes" validate:"min=0"`

	CallTimeout     time.Duration `json:"call_timeout" validate:"gt=0"`
	InterChunkDelay time.Duration `json:"inter_chunk_delay" validate:"gte=0"`
	LeaseTTL        time.Duration `json:"lease_ttl" validate:"gt=0"`
	// CallsPerSecond shapes provider traffic within a chunk; 0 disables.
	CallsPerSecond float64 `json:"calls_per_second" validate:"gte=0"`

	BusinessHours *BusinessHoursConfig `json:"business_hours,omitempty"`
	Timezone      string               `json:"timezone,omitempty"`

	PhoneNumberID string `json:"phone_number_id" validate:"required"`
	// CredentialsRef names the provider credential set; never the secret itself.
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// PersistTimeout bounds each write a chunk makes after its calls are placed.
// A chunk can hold its lease for CallTimeout plus PersistTimeout, so LeaseTTL
// must cover both.
const PersistTimeout = 15 * time.Second

// Validate checks numeric bounds and the business-hours schedule format.
func (c DispatchConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if c.LeaseTTL <= c.CallTimeout+PersistTimeout {
		return fmt.Errorf("%w: lease ttl %s must exceed call timeout %s plus persist timeout %s",
			ErrInvalidArgument, c.LeaseTTL, c.CallTimeout, PersistTimeout)
	}
	if c.BusinessHours != nil {
		if err := c.BusinessHours.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	if tz := c.EffectiveTimezone(); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgument, tz)
		}
	}
	return nil
}

// RetryDelay is the not-before gap applied to a recipient returned to pending.
func (c DispatchConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMinutes) * time.Minute
}

// EffectiveTimezone prefers the campaign timezone over the one embedded in the
// business-hours config.
func (c DispatchConfig) EffectiveTimezone() string {
	if c.Timezone != "" {
		return c.Timezone
	}
	if c.BusinessHours != nil {
		return c.BusinessHours.Timezone
	}
	return ""
}

// Resolve merges campaign settings over the service defaults.
func Resolve(defaults DispatchConfig, s Settings) DispatchConfig {
	out := defaults
	if s.ConcurrencyLimit > 0 {
		out.ConcurrencyLimit = s.ConcurrencyLimit
		out.ChunkSize = s.ConcurrencyLimit
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = out.ConcurrencyLimit
	}
	if s.MaxAttempts > 0 {
		out.MaxAttempts = s.MaxAttempts
	}
	if s.RetryDelayMinutes > 0 {
		out.RetryDelayMinutes = s.RetryDelayMinutes
	}
	if s.BusinessHours != nil {
		out.BusinessHours = s.BusinessHours.clone()
	}
	if s.Timezone != "" {
		out.Timezone = s.Timezone
	}
	if s.PhoneNumberID != "" {
		out.PhoneNumberID = s.PhoneNumberID
	}
	return out
}

// TotalChunks is the planned number of chunks for n recipients.
func (c DispatchConfig) TotalChunks(n int) int {
	if n <= 0 || c.ChunkSize <= 0 {
		return 0
	}
	return (n + c.ChunkSize - 1) / c.ChunkSize
}
