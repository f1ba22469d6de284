// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package version builds the semantic version strings attached to the
// OpenTelemetry tracers created by this module.
package version

import (
	"fmt"
)

type (
	Version struct {
		major int
		minor int
		patch int
	}
)

func New(major int) Version {
	return Version{major: major}
}

func (v Version) Minor(minor int) Version {
	v.minor = minor
	return v
}

func (v Version) Patch(patch int) Version {
	v.patch = patch
	return v
}

// Alpha returns the pre-release form of the version, for instance
// "v0.1.0-alpha.1".
func (v Version) Alpha(n int) string {
	return fmt.Sprintf("%s-alpha.%d", v, n)
}

func (v Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.major, v.minor, v.patch)
}
