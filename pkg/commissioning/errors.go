package commissioning

import (
	"errors"
	"time"
)

// Commissioning/interview/removal errors.
var (
	// ErrNodeNotReady is returned by OpenCommissioningWindow when the node
	// is not currently available.
	ErrNodeNotReady = errors.New("commissioning: node is not (yet) available")

	// ErrNodeCommissionFailed is returned after every commission attempt
	// (1 initial + MaxCommissionRetries retries) has failed.
	ErrNodeCommissionFailed = errors.New("commissioning: failed to commission node")

	// ErrNodeInterviewFailed is returned after every interview attempt has
	// failed.
	ErrNodeInterviewFailed = errors.New("commissioning: failed to interview node")
)

// MaxCommissionRetries is the number of retries attempted, on top of the
// initial try, for both the commission step and the interview step.
const MaxCommissionRetries = 3

// RetryDelay is the pause between a failed attempt and the next retry.
const RetryDelay = 5 * time.Second
