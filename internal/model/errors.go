package model

import "fmt"

// ConfigError is fatal at startup: the process must not begin monitoring
// with an unvalidated configuration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}

// PatternError marks a content pattern that failed to compile. In lenient
// mode the owning rule's content matching is disabled with a warning while
// its hash/metadata checks continue.
type PatternError struct {
	RuleID  string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("rule %s: pattern %q: %v", e.RuleID, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// StoreError wraps a baseline or event write that kept failing after the
// bounded retry loop.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
