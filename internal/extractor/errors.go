package extractor

import "errors"

var (
	// ErrRateLimited means no call slot was available within the policy's
	// wait bound. The message stays unmarked and is retried later.
	ErrRateLimited = errors.New("extraction rate limit exceeded")
	// ErrTimeout means the model call did not finish within the gateway
	// timeout. No partial result is returned.
	ErrTimeout = errors.New("extraction timed out")
	// ErrValidation marks a candidate the model returned in the wrong shape.
	ErrValidation = errors.New("invalid extraction candidate")
)
