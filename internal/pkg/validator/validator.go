// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package validator provides input validation utilities for security.
package validator

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"unicode"
)

const (
	// Maximum input lengths to prevent DoS
	MaxTargetsLength     = 4096
	MaxScanNameLength    = 256
	MaxDescriptionLength = 2048
	MaxUsernameLength    = 256
	MaxPasswordLength    = 512
	MaxPoolNameLength    = 64
	MaxCustomFields      = 64
)

var (
	// Valid hostname element: labels of alphanumerics and dashes joined by dots.
	// Examples: web01, db.internal.example.com
	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?)*$`)

	// Valid pool / field name format: alphanumeric, dash, underscore, dot
	nameTokenRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidationError represents an input validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateTargets validates a comma-separated targets string. Each element
// must be an IP address, a CIDR, a dash range, or a hostname.
func ValidateTargets(targets string) error {
	if strings.TrimSpace(targets) == "" {
		return &ValidationError{Field: "targets", Message: "targets cannot be empty"}
	}
	if len(targets) > MaxTargetsLength {
		return &ValidationError{
			Field:   "targets",
			Message: fmt.Sprintf("targets exceeds maximum length of %d characters", MaxTargetsLength),
		}
	}

	for _, elem := range strings.Split(targets, ",") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		if !validTargetElement(elem) {
			return &ValidationError{
				Field:   "targets",
				Message: fmt.Sprintf("invalid target element: %s", elem),
			}
		}
	}
	return nil
}

// validTargetElement accepts an IP, CIDR, dash range, or hostname.
func validTargetElement(elem string) bool {
	if _, err := netip.ParseAddr(elem); err == nil {
		return true
	}
	if _, err := netip.ParsePrefix(elem); err == nil {
		return true
	}
	if lo, hi, ok := strings.Cut(elem, "-"); ok {
		if _, err := netip.ParseAddr(strings.TrimSpace(lo)); err == nil {
			hi = strings.TrimSpace(hi)
			if _, err := netip.ParseAddr(hi); err == nil {
				return true
			}
			// Short form last octet, e.g. 10.0.0.1-20
			if !strings.Contains(hi, ".") && hi != "" {
				for _, r := range hi {
					if !unicode.IsDigit(r) {
						return false
					}
				}
				return true
			}
		}
		return false
	}
	return hostnameRegex.MatchString(elem)
}

// ValidateScanName validates a scan name: non-empty, bounded, no control
// characters.
func ValidateScanName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Message: "scan name cannot be empty"}
	}
	if len(name) > MaxScanNameLength {
		return &ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("scan name exceeds maximum length of %d characters", MaxScanNameLength),
		}
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return &ValidationError{Field: "name", Message: "scan name contains control characters"}
		}
	}
	return nil
}

// ValidateDescription validates an optional scan description.
func ValidateDescription(desc string) error {
	if len(desc) > MaxDescriptionLength {
		return &ValidationError{
			Field:   "description",
			Message: fmt.Sprintf("description exceeds maximum length of %d characters", MaxDescriptionLength),
		}
	}
	return nil
}

// ValidatePoolName validates a pool name token.
func ValidatePoolName(name string) error {
	if name == "" {
		return &ValidationError{Field: "pool", Message: "pool name cannot be empty"}
	}
	if len(name) > MaxPoolNameLength {
		return &ValidationError{
			Field:   "pool",
			Message: fmt.Sprintf("pool name exceeds maximum length of %d characters", MaxPoolNameLength),
		}
	}
	if !nameTokenRegex.MatchString(name) {
		return &ValidationError{
			Field:   "pool",
			Message: "pool name can only contain letters, numbers, dash, underscore, and dot",
		}
	}
	return nil
}

// ValidateUsername validates a scan credential username.
// Allows alphanumeric, dash, underscore, dot, @ and backslash (domain accounts).
func ValidateUsername(username string) error {
	if username == "" {
		return nil // Username is optional
	}
	if len(username) > MaxUsernameLength {
		return &ValidationError{
			Field:   "username",
			Message: fmt.Sprintf("username exceeds maximum length of %d characters", MaxUsernameLength),
		}
	}
	for _, r := range username {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' && r != '@' && r != '\\' {
			return &ValidationError{
				Field:   "username",
				Message: fmt.Sprintf("username contains invalid character: %c", r),
			}
		}
	}
	return nil
}

// ValidatePassword validates a scan credential password.
// Checks length only; control characters are rejected.
func ValidatePassword(password string) error {
	if password == "" {
		return nil // Password is optional
	}
	if len(password) > MaxPasswordLength {
		return &ValidationError{
			Field:   "password",
			Message: fmt.Sprintf("password exceeds maximum length of %d characters", MaxPasswordLength),
		}
	}
	for _, char := range []string{"\n", "\r", "\x00"} {
		if strings.Contains(password, char) {
			return &ValidationError{Field: "password", Message: "password contains invalid character"}
		}
	}
	return nil
}

// ValidateCredentials validates both username and password together.
// If one is provided, both must be provided.
func ValidateCredentials(username, password string) error {
	if (username != "" && password == "") || (username == "" && password != "") {
		return &ValidationError{
			Field:   "credentials",
			Message: "both username and password must be provided together",
		}
	}
	if err := ValidateUsername(username); err != nil {
		return err
	}
	return ValidatePassword(password)
}

// ValidateCustomFields validates a caller-supplied explicit field list.
func ValidateCustomFields(fields []string) error {
	if len(fields) > MaxCustomFields {
		return &ValidationError{
			Field:   "customFields",
			Message: fmt.Sprintf("at most %d custom fields are allowed", MaxCustomFields),
		}
	}
	for _, f := range fields {
		if !nameTokenRegex.MatchString(f) {
			return &ValidationError{
				Field:   "customFields",
				Message: fmt.Sprintf("invalid field name: %s", f),
			}
		}
	}
	return nil
}
