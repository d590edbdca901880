package fabricctl

import (
	"errors"

	"github.com/backkem/fabricd/pkg/commissioning"
)

// Error kinds surfaced to command-API callers (spec.md §7). NotReady,
// CommissionFailed and InterviewFailed are the commissioning package's own
// sentinels, so errors.Is matches them whether the Controller or the
// commissioning flow returned the error. Adapter failures of reads, writes
// and device commands are returned wrapped, not mapped onto these kinds, and
// no Controller method returns ErrNodeNotResolving.
var (
	ErrNodeNotExists        = errors.New("fabricctl: node does not exist or has not been interviewed")
	ErrNodeNotReady         = commissioning.ErrNodeNotReady
	ErrNodeCommissionFailed = commissioning.ErrNodeCommissionFailed
	ErrNodeInterviewFailed  = commissioning.ErrNodeInterviewFailed
	ErrNodeNotResolving     = errors.New("fabricctl: node not resolving")
	ErrInvalidArguments     = errors.New("fabricctl: invalid arguments")
)
