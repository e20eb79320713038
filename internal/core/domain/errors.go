package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists = errors.New("object already exists")
	ErrNotFound      = errors.New("object not found")
	ErrLedgerMissing = errors.New("ledger does not exist")
)

// ErrorKind classifies failures by how the job reacts to them.
type ErrorKind int

const (
	// NetworkTransient covers connection resets, timeouts and truncated bodies.
	NetworkTransient ErrorKind = iota + 1
	// ProtocolViolation covers malformed JSON and unexpected body status codes.
	ProtocolViolation
	// PreconditionFailed is never retried; the dependent step is skipped.
	PreconditionFailed
	// FileIOFailure degrades to an empty result.
	FileIOFailure
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkTransient:
		return "network_transient"
	case ProtocolViolation:
		return "protocol_violation"
	case PreconditionFailed:
		return "precondition_failed"
	case FileIOFailure:
		return "file_io_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind is worth another attempt.
func (k ErrorKind) Retryable() bool {
	return k == NetworkTransient || k == ProtocolViolation
}

// FeedError is returned when a feed page could not be fetched.
type FeedError struct {
	Kind     ErrorKind
	Query    string
	Offset   int
	Attempts int
	Err      error
}

func (e *FeedError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("feed %s (query=%q offset=%d, %d attempts): %v", e.Kind, e.Query, e.Offset, e.Attempts, e.Err)
	}
	return fmt.Sprintf("feed %s (query=%q offset=%d): %v", e.Kind, e.Query, e.Offset, e.Err)
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var fe *FeedError
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// FailureReason names the gate at which a firewall flow stopped.
type FailureReason string

const (
	ReasonGroupAlreadyAbsent  FailureReason = "group-already-absent"
	ReasonGroupNotInPolicy    FailureReason = "group-not-in-policy"
	ReasonDetachFailed        FailureReason = "detach-failed"
	ReasonDeleteGroupFailed   FailureReason = "delete-group-failed"
	ReasonDeleteMemberFailed  FailureReason = "delete-member-failed"
	ReasonLookupFailed        FailureReason = "lookup-failed"
	ReasonCreateAddressFailed FailureReason = "create-address-failed"
	ReasonCreateGroupFailed   FailureReason = "create-group-failed"
	ReasonUpdateGroupFailed   FailureReason = "update-group-failed"
	ReasonAttachFailed        FailureReason = "attach-failed"
)

// Message is the operator-facing description logged with the reason.
func (r FailureReason) Message() string {
	switch r {
	case ReasonGroupAlreadyAbsent:
		return "the group to delete does not currently exist"
	case ReasonGroupNotInPolicy:
		return "the group exists but is not in the policy's destination addresses"
	case ReasonDetachFailed:
		return "unable to remove the group from the policy"
	case ReasonDeleteGroupFailed:
		return "unable to delete the detached group; members kept"
	case ReasonDeleteMemberFailed:
		return "unable to delete a member address object"
	case ReasonLookupFailed:
		return "unable to read firewall state"
	case ReasonCreateAddressFailed:
		return "unable to create the address object; left out of its group"
	case ReasonCreateGroupFailed:
		return "unable to create the address group"
	case ReasonUpdateGroupFailed:
		return "unable to add missing members to the existing group"
	case ReasonAttachFailed:
		return "unable to add the group to the policy"
	default:
		return string(r)
	}
}

// Failure is one named stop in a firewall flow.
type Failure struct {
	Reason FailureReason
	Group  string
	Object string
	Err    error
}
