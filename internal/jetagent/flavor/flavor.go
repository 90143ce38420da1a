// Package flavor resolves flavor strings into resource sizes.
package flavor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknown is returned for a flavor string that is neither a named
// flavor nor a valid inline size.
var ErrUnknown = errors.New("flavor: unknown flavor")

// Flavor is a vCPU/memory sizing profile.
type Flavor struct {
	VCPUs     int `json:"vcpus" yaml:"vcpus" toml:"vcpus"`
	MemoryMiB int `json:"memory_mib" yaml:"memory_mib" toml:"memory_mib"`
}

func (f Flavor) String() string {
	return fmt.Sprintf("%dx%d", f.VCPUs, f.MemoryMiB)
}

// Resolve accepts a name from named or an inline "<vcpus>x<memory_mib>"
// such as "2x2048". Named flavors win over the inline form.
func Resolve(spec string, named map[string]Flavor) (Flavor, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Flavor{}, fmt.Errorf("%w: empty flavor", ErrUnknown)
	}
	if f, ok := named[spec]; ok {
		return f, nil
	}

	cpu, mem, ok := strings.Cut(strings.ToLower(spec), "x")
	if !ok {
		return Flavor{}, fmt.Errorf("%w: %q", ErrUnknown, spec)
	}
	vcpus, err := strconv.Atoi(cpu)
	if err != nil || vcpus <= 0 {
		return Flavor{}, fmt.Errorf("%w: %q: bad vcpu count", ErrUnknown, spec)
	}
	memMiB, err := strconv.Atoi(mem)
	if err != nil || memMiB <= 0 {
		return Flavor{}, fmt.Errorf("%w: %q: bad memory size", ErrUnknown, spec)
	}
	return Flavor{VCPUs: vcpus, MemoryMiB: memMiB}, nil
}
