// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns short names for the paths, built from the path components where they differ.
// A single path is named by its last component.
func MinimalUniquePaths(paths ...string) []string {
	parts := make([][]string, len(paths))
	for ii, path := range paths {
		parts[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	names := make([]string, len(paths))
	for ii, components := range parts {
		var diffs []int
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for kk := range min(len(components), len(other)) {
				if components[kk] != other[kk] && !slices.Contains(diffs, kk) {
					diffs = append(diffs, kk)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			names[ii] = components[len(components)-1]
		case 1:
			names[ii] = components[diffs[0]]
		default:
			names[ii] = components[diffs[0]] + "..." + components[diffs[len(diffs)-1]]
		}
	}
	return names
}
