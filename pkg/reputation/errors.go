package reputation

import "errors"

// ErrRateLimited is returned by CheckRate when a peer's token bucket (or the
// global bucket) has no capacity for the requested priority class.
var ErrRateLimited = errors.New("reputation: rate limit exceeded")
