package ceremony

import (
	"time"
)

// Config identifies the Relying Party and bounds ceremony lifetime.
type Config struct {
	// RPID is the relying party identifier, normally the site's effective
	// domain. Credentials are scoped to it.
	RPID string

	// RPDisplayName is shown by the authenticator UI.
	RPDisplayName string

	// RPOrigins are the web origins allowed to complete ceremonies.
	RPOrigins []string

	// SessionTTL bounds how long a ceremony may stay open. Zero means
	// cache.DefaultCeremonyTTL.
	SessionTTL time.Duration
}
