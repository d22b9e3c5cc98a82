package stratum

import "errors"

// Sentinel errors for the kinds named in spec §7. Callers compare with
// errors.Is; RemoteReject and BadCredentials carry their own message text
// and are constructed where they occur rather than reused as sentinels.
var (
	ErrUpstreamDisconnected = errors.New("upstream disconnected")
	ErrNotSubscribed        = errors.New("not subscribed")
	ErrJobNotFound          = errors.New("job not found")
	ErrNoWork               = errors.New("no work available yet")
	ErrExtranonceExhausted  = errors.New("extranonce slots are full")
)
