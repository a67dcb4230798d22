// Copyright (C) 2024 the cargo-depot authors.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package depot

import (
	"fmt"
	"strings"

	version "github.com/hashicorp/go-version"
)

// Requirement is a parsed cargo version requirement.
type Requirement struct {
	constraints version.Constraints
}

// Allows reports whether the given version satisfies the requirement.
// Invalid versions never satisfy.
func (r *Requirement) Allows(vStr string) bool {
	v, err := version.NewVersion(vStr)
	if err != nil {
		return false
	}
	return r.constraints.Check(v)
}

// parseRequirement parses a cargo requirement string: a bare version
// (caret semantics), '^', '~', '=', comparison operators, wildcards, and
// comma-separated combinations thereof.
func parseRequirement(str string) (*Requirement, error) {
	str = strings.TrimSpace(str)
	if str == "" || str == "*" {
		cs, err := version.NewConstraint(">=0.0.0-0")
		if err != nil {
			return nil, err
		}
		return &Requirement{constraints: cs}, nil
	}

	var result version.Constraints
	for _, part := range strings.Split(str, ",") {
		part = strings.TrimSpace(part)
		var cs version.Constraints
		var err error
		switch {
		case strings.HasPrefix(part, "^"):
			cs, err = caretRange(strings.TrimPrefix(part, "^"))
		case strings.HasPrefix(part, "~"):
			cs, err = tildeRange(strings.TrimPrefix(part, "~"))
		case strings.HasSuffix(part, ".*"):
			cs, err = wildcardRange(strings.TrimSuffix(part, ".*"))
		case strings.HasPrefix(part, "="), strings.HasPrefix(part, ">"),
			strings.HasPrefix(part, "<"), strings.HasPrefix(part, "!"):
			cs, err = version.NewConstraint(part)
		default:
			// A bare version requirement carries caret semantics.
			cs, err = caretRange(part)
		}
		if err != nil {
			return nil, err
		}
		result = append(result, cs...)
	}
	return &Requirement{constraints: result}, nil
}

// caretRange accepts all versions compatible under semver rules:
// '1.2.3' accepts >=1.2.3,<2.0.0 while '0.1.2' accepts >=0.1.2,<0.2.0.
// Omitted trailing components don't narrow the range: '0' accepts
// <1.0.0 and '0.0' accepts <0.1.0.
func caretRange(vStr string) (version.Constraints, error) {
	v, err := version.NewVersion(vStr)
	if err != nil {
		return nil, err
	}
	core := vStr
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	// Segments() pads omitted components with zeros; only the written
	// ones count when locating the component to bump.
	written := strings.Count(core, ".") + 1
	segments := append([]int(nil), v.Segments()...)
	if written > len(segments) {
		written = len(segments)
	}
	reset := false
	for i, segment := range segments {
		if reset {
			segments[i] = 0
		} else if segment != 0 || i == written-1 {
			segments[i] = segment + 1
			reset = true
		}
	}
	return version.NewConstraint(">=" + vStr + ",<" + joinSegments(segments))
}

// tildeRange accepts patch-level changes when a minor version is given,
// minor-level changes otherwise.
func tildeRange(vStr string) (version.Constraints, error) {
	v, err := version.NewVersion(vStr)
	if err != nil {
		return nil, err
	}
	segments := v.Segments()
	dots := strings.Count(vStr, ".")
	var upper string
	if dots == 0 {
		upper = fmt.Sprintf("%d.0.0", segments[0]+1)
	} else {
		upper = fmt.Sprintf("%d.%d.0", segments[0], segments[1]+1)
	}
	return version.NewConstraint(">=" + vStr + ",<" + upper)
}

// wildcardRange handles '1.*' and '1.2.*'.
func wildcardRange(prefix string) (version.Constraints, error) {
	v, err := version.NewVersion(prefix)
	if err != nil {
		return nil, err
	}
	segments := v.Segments()
	dots := strings.Count(prefix, ".")
	var lower, upper string
	if dots == 0 {
		lower = fmt.Sprintf("%d.0.0", segments[0])
		upper = fmt.Sprintf("%d.0.0", segments[0]+1)
	} else {
		lower = fmt.Sprintf("%d.%d.0", segments[0], segments[1])
		upper = fmt.Sprintf("%d.%d.0", segments[0], segments[1]+1)
	}
	return version.NewConstraint(">=" + lower + ",<" + upper)
}

func joinSegments(segments []int) string {
	strs := make([]string, len(segments))
	for i, segment := range segments {
		strs[i] = fmt.Sprint(segment)
	}
	return strings.Join(strs, ".")
}

// RequirementPolicy selects how rewritten checkout/path dependencies pin
// their published counterpart.
type RequirementPolicy string

const (
	// RequireExact pins the exact resolved version. A pinned checkout or
	// path carries no intended flexibility; an operator wanting a range
	// edits the manifest before submission.
	RequireExact RequirementPolicy = "exact"
	// RequireCaret accepts semver-compatible upgrades of the resolved
	// version.
	RequireCaret RequirementPolicy = "caret"
)

// IsValid returns whether the policy is one of the exported values.
func (p RequirementPolicy) IsValid() bool {
	return p == RequireExact || p == RequireCaret
}

// requirementFor renders the rewritten requirement for a resolved version.
func (p RequirementPolicy) requirementFor(resolved string) string {
	if p == RequireCaret {
		return "^" + resolved
	}
	return "=" + resolved
}
