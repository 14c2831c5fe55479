// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the request failed structural or semantic validation.
var ErrValidation = errors.New("validation failed")

// ErrDAGCycle indicates a plan's actions form a dependency cycle.
var ErrDAGCycle = errors.New("dependency cycle detected")

// ErrTemplateUnresolved indicates a {{result...}} reference could not be
// resolved against any completed action's output.
var ErrTemplateUnresolved = errors.New("template reference unresolved")

// ErrPermissionDenied indicates the permission guard rejected an action.
var ErrPermissionDenied = errors.New("permission denied")

// ErrSecurityRejected indicates the security pipeline rejected a plan.
var ErrSecurityRejected = errors.New("rejected by security pipeline")

// ErrApprovalRequired indicates an action cannot proceed without a human
// decision.
var ErrApprovalRequired = errors.New("approval required")

// ErrTriggerConflict indicates a trigger fire could not acquire its
// resource lock under its configured conflict policy.
var ErrTriggerConflict = errors.New("trigger resource lock conflict")

// ErrChainDepthExceeded indicates a trigger-spawned plan exceeded its
// maximum chain depth.
var ErrChainDepthExceeded = errors.New("trigger chain depth exceeded")
