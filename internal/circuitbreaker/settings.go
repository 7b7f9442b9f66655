package circuitbreaker

import "github.com/paygrid/trustplane/internal/config"

// FromSettings maps the operator-facing breaker tuning onto a Config.
// Zero-valued fields keep the package defaults.
func FromSettings(name string, s config.BreakerConfig) *Config {
	cfg := DefaultConfig(name)
	if s.OpenTimeout > 0 {
		cfg.Timeout = s.OpenTimeout
	}
	if s.HalfOpenProbes > 0 {
		cfg.MaxRequests = s.HalfOpenProbes
	}
	if s.MinRequests > 0 && s.TripRatio > 0 {
		cfg.ReadyToTrip = RatioTrip(s.MinRequests, s.TripRatio)
	}
	return cfg
}
