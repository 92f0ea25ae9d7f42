// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents graph or input validation failures.
// Use this for malformed graph definitions, bad expressions, or
// constraint violations detected before execution.
type ValidationError struct {
	// Field identifies which field or element failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested node, graph, run, or checkpoint does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "node", "graph", "checkpoint")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// CapabilityError represents a memory access outside a node's declared
// input/output key sets. It is fatal to the attempt and never retried:
// the node's declaration is wrong, not the environment.
type CapabilityError struct {
	// NodeID is the node whose access was denied
	NodeID string

	// Key is the memory key that was accessed
	Key string

	// Op is the denied operation, "read" or "write"
	Op string
}

// Error implements the error interface.
// Security: Does not include the value to prevent state leakage.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("node %q is not permitted to %s key %q", e.NodeID, e.Op, e.Key)
}

// ExecutionError represents a node exhausting its retry budget.
// The message always names the failing node and the attempt count so a run
// failure is attributable without consulting logs.
type ExecutionError struct {
	// NodeID is the node that failed
	NodeID string

	// NodeName is the human-readable node name
	NodeName string

	// Attempts is how many attempts were made before giving up
	Attempts int

	// Cause is the error from the final attempt
	Cause error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	name := e.NodeName
	if name == "" {
		name = e.NodeID
	}
	return fmt.Sprintf("node %q failed after %d attempts: %v", name, e.Attempts, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExecutionError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "checkpoint.dir")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "model call", "probation run")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// PersistenceError represents checkpoint or journal write/read failures.
// These are non-fatal by default: the run continues without durability for
// the affected step unless the store is configured as required.
type PersistenceError struct {
	// Store names the failing store ("checkpoint", "journal")
	Store string

	// RunID is the run whose persistence failed
	RunID string

	// Cause is the underlying I/O or database error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s persistence failed for run %s: %v", e.Store, e.RunID, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
