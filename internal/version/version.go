// Package version holds the build version and checks it against the oldest
// client release a signing service accepts.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is set at build time with -ldflags "-X ...version.Version=v1.2.3".
// Builds without it report "dev".
var Version = "dev"

// UserAgent is sent on every request to the signing service.
func UserAgent() string {
	return "trisign/" + Version
}

// IsDev reports whether the running binary was built without a release tag.
func IsDev() bool {
	_, err := Parse(Version)
	return err != nil
}

// Release is a parsed vMAJOR.MINOR.PATCH tag. Missing components are zero.
// A release with a pre-release suffix sorts before the same plain release.
type Release struct {
	num [3]int
	pre string
}

// Parse reads tags like "v1.2", "1.2.3" or "v1.2.3-rc1". Build metadata after
// "+" is ignored.
func Parse(tag string) (Release, error) {
	s := strings.TrimPrefix(strings.TrimSpace(tag), "v")
	s, _, _ = strings.Cut(s, "+")
	s, pre, _ := strings.Cut(s, "-")
	if s == "" {
		return Release{}, fmt.Errorf("invalid release %q", tag)
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Release{}, fmt.Errorf("invalid release %q", tag)
	}
	r := Release{pre: pre}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Release{}, fmt.Errorf("invalid release %q", tag)
		}
		r.num[i] = n
	}
	return r, nil
}

// Before reports whether r is an older release than o.
func (r Release) Before(o Release) bool {
	for i := range r.num {
		if r.num[i] != o.num[i] {
			return r.num[i] < o.num[i]
		}
	}
	return r.pre != "" && (o.pre == "" || r.pre < o.pre)
}

func (r Release) String() string {
	s := fmt.Sprintf("v%d.%d.%d", r.num[0], r.num[1], r.num[2])
	if r.pre != "" {
		s += "-" + r.pre
	}
	return s
}

// Status is the outcome of checking the running build against a minimum.
type Status int

const (
	// Supported means the build is at least the required release.
	Supported Status = iota
	// Outdated means the service asks for a newer client.
	Outdated
	// Unchecked means the build is a dev build or the requirement does not
	// parse, so no comparison was made.
	Unchecked
)

// Check compares the running build with required.
func Check(required string) Status {
	return check(Version, required)
}

func check(current, required string) Status {
	cur, err := Parse(current)
	if err != nil {
		return Unchecked
	}
	req, err := Parse(required)
	if err != nil {
		return Unchecked
	}
	if cur.Before(req) {
		return Outdated
	}
	return Supported
}
