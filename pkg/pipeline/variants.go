package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

// Variant is one target architecture the project is built for.
type Variant struct {
	Name   string
	ABI    string
	Bits64 bool
}

// Universal is used when the build configuration declares no architectures.
var Universal = Variant{Name: "universal"}

var knownABIs = map[string]Variant{
	"x86":         {Name: "x86", ABI: "x86"},
	"x86_64":      {Name: "x64", ABI: "x86_64", Bits64: true},
	"armeabi-v7a": {Name: "arm", ABI: "armeabi-v7a"},
	"arm64-v8a":   {Name: "arm64", ABI: "arm64-v8a", Bits64: true},
}

var (
	abiLine   = regexp.MustCompile(`(?m)^.*\babiFilters\b.*$`)
	quotedABI = regexp.MustCompile(`["']([^"']+)["']`)
)

// DiscoverVariants reads the architecture markers (abiFilters) of a build
// configuration file. 32-bit variants come first; otherwise declaration order
// is kept. A file without markers yields the single Universal variant.
func DiscoverVariants(path string) ([]Variant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Variant{Universal}, nil
		}
		return nil, fmt.Errorf("read build config: %w", err)
	}

	seen := map[string]bool{}
	var variants []Variant
	for _, line := range abiLine.FindAll(data, -1) {
		for _, m := range quotedABI.FindAllSubmatch(line, -1) {
			abi := string(m[1])
			if seen[abi] {
				continue
			}
			seen[abi] = true
			variants = append(variants, variantFor(abi))
		}
	}
	if len(variants) == 0 {
		return []Variant{Universal}, nil
	}
	sort.SliceStable(variants, func(i, j int) bool {
		return !variants[i].Bits64 && variants[j].Bits64
	})
	return variants, nil
}

func variantFor(abi string) Variant {
	if v, ok := knownABIs[abi]; ok {
		return v
	}
	return Variant{Name: abi, ABI: abi, Bits64: strings.Contains(abi, "64")}
}

// isolateABI rewrites every abiFilters directive so that it selects abi only.
func isolateABI(data []byte, abi string) []byte {
	return abiLine.ReplaceAllFunc(data, func(line []byte) []byte {
		locs := quotedABI.FindAllIndex(line, -1)
		if len(locs) == 0 {
			return line
		}
		quote := line[locs[0][0]]
		start, end := locs[0][0], locs[len(locs)-1][1]

		var b bytes.Buffer
		b.Write(line[:start])
		b.WriteByte(quote)
		b.WriteString(abi)
		b.WriteByte(quote)
		b.Write(line[end:])
		return b.Bytes()
	})
}

// WithVariant runs fn while the build configuration at path selects only
// variant. The original file content is written back after fn returns, also
// when fn fails or panics. A restore failure is joined to fn's error.
func WithVariant(path string, variant Variant, fn func() error) (err error) {
	if variant.ABI == "" {
		return fn()
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat build config: %w", err)
	}
	original, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read build config: %w", err)
	}
	if err := os.WriteFile(path, isolateABI(original, variant.ABI), info.Mode().Perm()); err != nil {
		return fmt.Errorf("apply variant %s: %w", variant.Name, err)
	}
	defer func() {
		if rerr := os.WriteFile(path, original, info.Mode().Perm()); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore build config: %w", rerr))
		}
	}()

	return fn()
}
