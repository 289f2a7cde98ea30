package flume

import (
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies execution errors for the failure policy and the
// top-level result.
type ErrorKind string

const (
	KindCredentialMissing  ErrorKind = "credential_missing"
	KindExecutorFailure    ErrorKind = "executor_failure"
	KindWorkflowValidation ErrorKind = "workflow_validation"
	KindStall              ErrorKind = "stall"
)

// NodeError is a failure surfaced by a node executor.
type NodeError struct {
	Node    string
	Kind    ErrorKind
	Message string
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s", e.Node, e.Message)
}

// WorkflowError is a graph-level failure: validation problems discovered
// before or during execution, or a stalled main loop.
type WorkflowError struct {
	Kind    ErrorKind
	Message string
	// Nodes lists the unexecuted nodes for KindStall.
	Nodes []string
}

func (e *WorkflowError) Error() string {
	if len(e.Nodes) > 0 {
		return fmt.Sprintf("%s (unexecuted: %s)", e.Message, strings.Join(e.Nodes, ", "))
	}
	return e.Message
}

// AuthError is a hard token-refresh failure for the current tick.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s auth: %s", e.Provider, e.Reason)
}

// ErrHTTP carries a non-2xx response for retry classification.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// credentialPatterns match the error messages executors produce when a
// required token or key is absent. Matching errors recover locally so a
// workflow can be dry-run without valid secrets.
var credentialPatterns = []string{
	"api key",
	"api_key",
	"apikey",
	"access token",
	"access_token",
	"token not provided",
	"credential",
	"not authenticated",
	"missing token",
}

// IsCredentialMissing reports whether err represents an absent token or API
// key, either by kind or by message pattern.
func IsCredentialMissing(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(*NodeError); ok && ne.Kind == KindCredentialMissing {
		return true
	}
	msg := strings.ToLower(err.Error())
	absent := strings.Contains(msg, "not provided") ||
		strings.Contains(msg, "not set") ||
		strings.Contains(msg, "missing") ||
		strings.Contains(msg, "absent") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "required")
	if !absent {
		return false
	}
	for _, p := range credentialPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
