package config

import "time"

// RuntimeConfig holds the global options of spec §6 "Configuration
// (enumerated options)" under their JSON names. cmd/tunnelproxy builds one
// from NewDefaultRuntimeConfig at startup and reads only RequireConfirmation
// (through the race controller's closure). The value is not persisted, not
// served by the control-plane API and not reloaded, and no component reads
// the other fields.
type RuntimeConfig struct {
	// EnableQUIC permits QUIC at all (spec §6 enable_quic).
	EnableQUIC bool `json:"enable_quic"`

	// RequireConfirmation governs the Transport-Race Controller's
	// confirmation mode (spec §4.3, §6 require_confirmation).
	RequireConfirmation bool `json:"require_confirmation"`

	// MaxRedirects is consumed by the Request-Context Facade's sibling,
	// not the core (spec §6 max_redirects).
	MaxRedirects int `json:"max_redirects"`

	// IdleConnectionTimeout is spec §6 idle_connection_timeout_seconds.
	// Session eviction uses EnvConfig.SessionIdleEvictInterval, not this
	// field.
	IdleConnectionTimeout Duration `json:"idle_connection_timeout_seconds"`

	// RetransmittableOnWireTimeout is the QUIC keepalive interval (spec §6
	// retransmittable_on_wire_timeout_ms).
	RetransmittableOnWireTimeout Duration `json:"retransmittable_on_wire_timeout_ms"`

	// MarkBrokenWhenNetworkBlackholes controls whether an RTO-timeout on a
	// QUIC session marks its Alt-Service Entry broken (spec §6).
	MarkBrokenWhenNetworkBlackholes bool `json:"mark_broken_when_network_blackholes"`

	// RetryWithoutAltSvcOnQUICErrors governs post-failure fallback (spec
	// §6 retry_without_alt_svc_on_quic_errors).
	RetryWithoutAltSvcOnQUICErrors bool `json:"retry_without_alt_svc_on_quic_errors"`

	// QUICHostAllowlist names the hosts allowed to use QUIC (spec §6
	// quic_host_allowlist). Nothing fills it from chainconfig's manifest
	// and no dial path checks it, so it does not restrict QUIC.
	QUICHostAllowlist []string `json:"quic_host_allowlist"`

	// UserAgent is sent on any HTTP request the engine itself originates
	// (e.g. chainconfig's remote manifest fetch).
	UserAgent string `json:"user_agent"`

	// Request log
	RequestLogEnabled bool `json:"request_log_enabled"`

	// Retry throttler (spec §4.5)
	RetryBaseBackoff Duration `json:"retry_base_backoff"`
	RetryMaxBackoff  Duration `json:"retry_max_backoff"`
}

// NewDefaultRuntimeConfig returns a RuntimeConfig populated with spec §6's
// stated defaults.
func NewDefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		EnableQUIC:                      true,
		RequireConfirmation:             false,
		MaxRedirects:                    20,
		IdleConnectionTimeout:           Duration(30 * time.Second),
		RetransmittableOnWireTimeout:    Duration(200 * time.Millisecond),
		MarkBrokenWhenNetworkBlackholes: true,
		RetryWithoutAltSvcOnQUICErrors:  true,
		QUICHostAllowlist:               []string{},
		UserAgent:                       "tunnelcore",
		RequestLogEnabled:               false,
		RetryBaseBackoff:                Duration(time.Second),
		RetryMaxBackoff:                 Duration(time.Minute),
	}
}
