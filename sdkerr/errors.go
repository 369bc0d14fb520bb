/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package sdkerr defines the structured error kinds surfaced by the client
// SDK (see §7 of the design). Kinds that carry an underlying cause return
// it from Unwrap, so errors.Is and errors.As reach it; PlanUnsatisfiedError
// and TransactionValidationError carry no cause. No kind implements Cause(),
// so github.com/pkg/errors' errors.Cause stops at the kind itself.
package sdkerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// InvalidArgumentError reports a malformed or missing caller input. It is
// never retried.
type InvalidArgumentError struct {
	Field string
	cause error
}

func NewInvalidArgument(field, msg string) *InvalidArgumentError {
	return &InvalidArgumentError{Field: field, cause: errors.New(msg)}
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.cause)
}

func (e *InvalidArgumentError) Unwrap() error { return e.cause }

// EndorsementFailureError carries one peer's rejection of a proposal.
type EndorsementFailureError struct {
	Peer  string
	cause error
}

func NewEndorsementFailure(peer string, cause error) *EndorsementFailureError {
	return &EndorsementFailureError{Peer: peer, cause: errors.WithMessagef(cause, "endorsement from %s failed", peer)}
}

func (e *EndorsementFailureError) Error() string { return e.cause.Error() }
func (e *EndorsementFailureError) Unwrap() error { return e.cause }

// LayoutFailure is the per-layout aggregate recorded when PlanUnsatisfied is
// raised.
type LayoutFailure struct {
	LayoutIndex int
	GroupErrors map[string][]*EndorsementFailureError
}

// PlanUnsatisfiedError reports that no layout in the endorsement plan could
// be satisfied.
type PlanUnsatisfiedError struct {
	Layouts []LayoutFailure
}

func NewPlanUnsatisfied(layouts []LayoutFailure) *PlanUnsatisfiedError {
	return &PlanUnsatisfiedError{Layouts: layouts}
}

func (e *PlanUnsatisfiedError) Error() string {
	return fmt.Sprintf("endorsement plan unsatisfied after trying %d layout(s)", len(e.Layouts))
}

// CommitFailureError reports that an orderer refused a broadcast.
type CommitFailureError struct {
	Orderer string
	Status  string
	cause   error
}

func NewCommitFailure(orderer, status string, cause error) *CommitFailureError {
	return &CommitFailureError{Orderer: orderer, Status: status, cause: cause}
}

func (e *CommitFailureError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("commit to orderer %s failed with status %s: %s", e.Orderer, e.Status, e.cause)
	}
	return fmt.Sprintf("commit to orderer %s failed with status %s", e.Orderer, e.Status)
}

func (e *CommitFailureError) Unwrap() error { return e.cause }

// TimeoutError reports that an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	cause     error
}

func NewTimeout(operation string, cause error) *TimeoutError {
	return &TimeoutError{Operation: operation, cause: cause}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out: %s", e.Operation, e.cause)
}

func (e *TimeoutError) Unwrap() error { return e.cause }

// HubDisconnectError is delivered to every error callback registered on a
// BlockEventHub when it transitions to Shutdown.
type HubDisconnectError struct {
	Peer       string
	HubReason  string
	hubOrderly bool
	cause      error
}

func NewHubDisconnect(peer, reason string, orderly bool, cause error) *HubDisconnectError {
	return &HubDisconnectError{Peer: peer, HubReason: reason, hubOrderly: orderly, cause: cause}
}

// HubShutdown distinguishes an orderly close (explicit Close/end-block seen)
// from a transport failure.
func (e *HubDisconnectError) HubShutdown() bool { return e.hubOrderly }

func (e *HubDisconnectError) Error() string {
	return fmt.Sprintf("block event hub for %s shut down: %s", e.Peer, e.HubReason)
}

func (e *HubDisconnectError) Unwrap() error { return e.cause }

// TransactionValidationError reports that a committed block marked a
// transaction invalid with a specific validation code.
type TransactionValidationError struct {
	TxID           string
	Peer           string
	ValidationCode string
}

func NewTransactionValidation(txID, peer, code string) *TransactionValidationError {
	return &TransactionValidationError{TxID: txID, Peer: peer, ValidationCode: code}
}

func (e *TransactionValidationError) Error() string {
	return fmt.Sprintf("transaction %s reported invalid by %s: %s", e.TxID, e.Peer, e.ValidationCode)
}
