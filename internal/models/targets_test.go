// Copyright (c) 2025 Lazycat Apps
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import "testing"

func TestTargetsMatch(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		targets string
		want    bool
	}{
		{"exact ip", "10.0.0.5", "10.0.0.5", true},
		{"ip in cidr", "10.0.0.5", "10.0.0.0/24", true},
		{"ip outside cidr", "10.0.1.5", "10.0.0.0/24", false},
		{"cidr contains ip", "10.0.0.0/24", "10.0.0.17", true},
		{"overlapping cidrs", "10.0.0.0/24", "10.0.0.128/25", true},
		{"disjoint cidrs", "10.0.0.0/24", "10.0.1.0/24", false},
		{"ip in dash range", "10.0.0.15", "10.0.0.10-10.0.0.20", true},
		{"ip in short dash range", "10.0.0.15", "10.0.0.10-20", true},
		{"ip below dash range", "10.0.0.5", "10.0.0.10-20", false},
		{"second element matches", "10.0.1.5", "10.0.0.0/24, 10.0.1.0/24", true},
		{"hostname substring", "db01", "web01.internal, db01.internal", true},
		{"hostname case-insensitive", "DB01", "db01.internal", true},
		{"hostname no match", "db02", "db01.internal", false},
		{"ip query against hostname target", "10.0.0.5", "db01.internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetsMatch(tt.query, tt.targets); got != tt.want {
				t.Errorf("TargetsMatch(%q, %q) = %v, want %v", tt.query, tt.targets, got, tt.want)
			}
		})
	}
}

func TestParseTargetElement(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"10.0.0.1", true},
		{"10.0.0.0/24", true},
		{"10.0.0.1-10.0.0.20", true},
		{"10.0.0.1-20", true},
		{"10.0.0.20-10.0.0.1", false}, // Inverted range
		{"web01.internal", false},     // Hostnames are not address-shaped
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if _, ok := parseTargetElement(tt.input); ok != tt.ok {
				t.Errorf("parseTargetElement(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
		})
	}
}
