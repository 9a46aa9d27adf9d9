package consensus

import (
	"fmt"
)

// ErrorKind is the machine-readable classification of a consensus error. The
// kind doubles as the label used on the invalid-block and rejected-response
// metrics, so the strings here are stable.
type ErrorKind string

const (
	// KindBlockNotAcceptable marks a structural violation in an incoming
	// block, e.g. a missing parent quorum or a duplicated ancestor author.
	KindBlockNotAcceptable ErrorKind = "block_not_acceptable"
	// KindMalformedBlock marks a deserialization failure.
	KindMalformedBlock ErrorKind = "malformed_block"
	// KindInvalidSignature marks a block whose signature does not verify.
	KindInvalidSignature ErrorKind = "invalid_signature"
	// KindInvalidAuthority marks a block whose author or key id is not a
	// member of the committee.
	KindInvalidAuthority ErrorKind = "invalid_authority"
	// KindInvalidAncestors marks a block whose ancestor list violates the
	// per-author uniqueness or parent-round rules.
	KindInvalidAncestors ErrorKind = "invalid_ancestors"
	// KindInvalidEpoch marks a block produced for a different epoch.
	KindInvalidEpoch ErrorKind = "invalid_epoch"
	// KindUnexpectedFetchedBlock marks a peer response containing a block
	// that was neither requested nor a direct ancestor of a requested block.
	KindUnexpectedFetchedBlock ErrorKind = "unexpected_fetched_block"
	// KindTooManyFetchedBlocks marks a peer response exceeding the allowed
	// response size.
	KindTooManyFetchedBlocks ErrorKind = "too_many_fetched_blocks"
	// KindUnexpectedLastOwnBlock marks a block authored by someone else
	// returned during own-last-block recovery.
	KindUnexpectedLastOwnBlock ErrorKind = "unexpected_last_own_block"
	// KindNetworkRequestTimeout marks an RPC that exceeded its timeout.
	KindNetworkRequestTimeout ErrorKind = "network_request_timeout"
	// KindSynchronizerSaturated marks a dropped fetch request because the
	// per-peer fetch channel was full.
	KindSynchronizerSaturated ErrorKind = "synchronizer_saturated"
	// KindShutdown marks a closed downstream; the only kind that terminates
	// a task.
	KindShutdown ErrorKind = "shutdown"
)

// ConsensusError is the error type flowing through the engine. Transient
// transport errors are retried by the synchronizer, validity violations are
// counted and dropped, and only KindShutdown propagates as fatal.
type ConsensusError struct {
	Kind ErrorKind
	// Peer is the authority the error is attributed to, when any.
	Peer AuthorityIndex
	// Ref is the offending block, when any.
	Ref BlockRef

	msg   string
	cause error
}

func (ce *ConsensusError) Error() string {
	if ce.cause != nil {
		return fmt.Sprintf("%s: %s: %v", ce.Kind, ce.msg, ce.cause)
	}
	if ce.msg == "" {
		return string(ce.Kind)
	}
	return fmt.Sprintf("%s: %s", ce.Kind, ce.msg)
}

func (ce *ConsensusError) Unwrap() error {
	return ce.cause
}

// Is allows errors.Is comparisons against kind sentinels such as ErrShutdown.
func (ce *ConsensusError) Is(target error) bool {
	other, ok := target.(*ConsensusError)
	if !ok {
		return false
	}
	return ce.Kind == other.Kind
}

// ErrShutdown is returned when the downstream consumer or the core
// dispatcher has closed. Tasks observing it terminate gracefully.
var ErrShutdown = &ConsensusError{Kind: KindShutdown, msg: "consensus is shutting down"}

// IsShutdown reports whether err is (or wraps) a shutdown error.
func IsShutdown(err error) bool {
	for err != nil {
		if ce, ok := err.(*ConsensusError); ok && ce.Kind == KindShutdown {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// KindOf extracts the error kind, or empty when err is not a ConsensusError.
func KindOf(err error) ErrorKind {
	for err != nil {
		if ce, ok := err.(*ConsensusError); ok {
			return ce.Kind
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

func newBlockNotAcceptableError(ref BlockRef, format string, args ...interface{}) *ConsensusError {
	return &ConsensusError{Kind: KindBlockNotAcceptable, Ref: ref, msg: fmt.Sprintf(format, args...)}
}

func newMalformedBlockError(cause error) *ConsensusError {
	return &ConsensusError{Kind: KindMalformedBlock, msg: "failed to deserialize block", cause: cause}
}

func newInvalidBlockError(kind ErrorKind, format string, args ...interface{}) *ConsensusError {
	return &ConsensusError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func newUnexpectedFetchedBlockError(peer AuthorityIndex, ref BlockRef) *ConsensusError {
	return &ConsensusError{
		Kind: KindUnexpectedFetchedBlock,
		Peer: peer,
		Ref:  ref,
		msg:  fmt.Sprintf("peer %d returned block %s outside the requested-or-ancestor set", peer, ref),
	}
}

func newTooManyFetchedBlocksError(peer AuthorityIndex, returned int, requested int) *ConsensusError {
	return &ConsensusError{
		Kind: KindTooManyFetchedBlocks,
		Peer: peer,
		msg:  fmt.Sprintf("peer %d returned %d blocks for %d requested", peer, returned, requested),
	}
}

func newUnexpectedLastOwnBlockError(peer AuthorityIndex, ref BlockRef) *ConsensusError {
	return &ConsensusError{
		Kind: KindUnexpectedLastOwnBlock,
		Peer: peer,
		Ref:  ref,
		msg:  fmt.Sprintf("peer %d returned a foreign block %s during own block recovery", peer, ref),
	}
}

func newNetworkRequestTimeoutError(peer AuthorityIndex, cause error) *ConsensusError {
	return &ConsensusError{
		Kind:  KindNetworkRequestTimeout,
		Peer:  peer,
		msg:   fmt.Sprintf("request to peer %d timed out", peer),
		cause: cause,
	}
}

func newSynchronizerSaturatedError(peer AuthorityIndex) *ConsensusError {
	return &ConsensusError{
		Kind: KindSynchronizerSaturated,
		Peer: peer,
		msg:  fmt.Sprintf("fetch channel for peer %d is full", peer),
	}
}
