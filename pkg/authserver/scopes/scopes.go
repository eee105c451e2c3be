// SPDX-FileCopyrightText: Copyright 2025 Sheetbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package scopes defines the flat scope hierarchy for the spreadsheet API
// and the validation used by the authorization server.
//
// Scopes form a total order: admin ⊇ write ⊇ read. A grant at one level
// implies every lower level.
package scopes

import (
	"errors"
	"fmt"
	"strings"
)

// Recognized scopes, lowest capability first.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
	ScopeAdmin = "admin"
)

// DefaultScope is granted when a client requests no scope.
const DefaultScope = ScopeRead

// ErrInvalidScope is returned for scope strings outside the hierarchy.
var ErrInvalidScope = errors.New("invalid scope")

// rank orders the hierarchy; higher rank includes all lower ranks.
var rank = map[string]int{
	ScopeRead:  1,
	ScopeWrite: 2,
	ScopeAdmin: 3,
}

// Normalize parses a space-delimited scope request (RFC 6749 Section 3.3)
// and reduces it to its canonical form: the single highest level requested.
// Unknown scope strings are rejected outright. An empty request yields
// DefaultScope.
func Normalize(requested string) (string, error) {
	fields := strings.Fields(requested)
	if len(fields) == 0 {
		return DefaultScope, nil
	}

	highest := 0
	canonical := ""
	for _, s := range fields {
		r, ok := rank[s]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
		}
		if r > highest {
			highest = r
			canonical = s
		}
	}
	return canonical, nil
}

// Includes reports whether a granted scope covers a required scope.
// It is reflexive and respects the hierarchy: admin includes write and
// read, write includes read, and nothing includes an unknown scope.
func Includes(granted, required string) bool {
	g, ok := rank[granted]
	if !ok {
		return false
	}
	r, ok := rank[required]
	if !ok {
		return false
	}
	return g >= r
}
