package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// counterSpan bounds how many successful builds of one version get distinct
// build numbers before they start overlapping the next version's range.
const counterSpan = 1000

// Version is the semantic version declared in the project manifest.
type Version struct {
	Raw   string
	Major int
	Minor int
	Patch int
}

// String returns the MAJOR.MINOR.PATCH form used in artifact names.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Code packs the version into a single integer, two digits for minor and patch.
// Components of 100 and above carry into the next field, so distinct versions
// may share a code; NextBuildNumber keeps issued numbers increasing regardless.
func (v Version) Code() int {
	return v.Major*10000 + v.Minor*100 + v.Patch
}

// ParseVersion accepts "1.2.3", "1.2.3+4" and "1.2.3-beta.1". Build metadata
// and pre-release suffixes are ignored.
func ParseVersion(raw string) (Version, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(s, "+-"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Version{}, fmt.Errorf("empty version %q", raw)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid version %q", raw)
	}
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q", raw)
		}
		nums[i] = n
	}
	return Version{Raw: raw, Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

type manifest struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ReadVersion loads the version declared in a pubspec-style manifest.
func ReadVersion(path string) (Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Version{}, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Version{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Version == "" {
		return Version{}, errors.New("manifest declares no version")
	}
	return ParseVersion(m.Version)
}

// BuildNumber derives the build number of one variant. The low bit is the
// variant discriminant, so the 32-bit and 64-bit builds of one version and
// counter never collide, and a higher counter always yields a higher number.
func BuildNumber(v Version, variant Variant, counter int) int {
	d := 0
	if variant.Bits64 {
		d = 1
	}
	return 2*(v.Code()*counterSpan+counter) + d
}

// NextBuildNumber is BuildNumber raised above last, the highest number already
// issued for the project, keeping the variant's parity. Numbers therefore keep
// increasing when a project moves to a lower version.
func NextBuildNumber(v Version, variant Variant, counter, last int) int {
	n := BuildNumber(v, variant, counter)
	if n > last {
		return n
	}
	n = last + 1
	if n%2 != BuildNumber(v, variant, 0)%2 {
		n++
	}
	return n
}
