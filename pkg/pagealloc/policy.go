// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagealloc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Policy describes how an allocation is to be satisfied. It consists of
// a base class, which determines the zones eligible for the allocation,
// and optional modifiers.
type Policy uint32

const (
	// PolicyKernel allocates from zones directly addressable by the kernel.
	PolicyKernel Policy = iota
	// PolicyHighUser allocates user pages, which may come from high memory.
	PolicyHighUser
	// PolicyHighUserMovable allocates user pages which may be migrated.
	PolicyHighUserMovable

	policyBaseMask Policy = 0xff
)

const (
	// PolicyNoRetry makes an allocation fail promptly instead of waiting
	// for memory to be reclaimed.
	PolicyNoRetry Policy = 1 << (8 + iota)

	policyModMask = PolicyNoRetry
)

var (
	baseToString = map[Policy]string{
		PolicyKernel:          "kernel",
		PolicyHighUser:        "highuser",
		PolicyHighUserMovable: "highuser-movable",
	}
	stringToBase = map[string]Policy{
		"kernel":               PolicyKernel,
		"gfp_kernel":           PolicyKernel,
		"highuser":             PolicyHighUser,
		"gfp_highuser":         PolicyHighUser,
		"highuser-movable":     PolicyHighUserMovable,
		"highuser_movable":     PolicyHighUserMovable,
		"gfp_highuser_movable": PolicyHighUserMovable,
	}
	modToString = map[Policy]string{
		PolicyNoRetry: "noretry",
	}
	stringToMod = map[string]Policy{
		"noretry":       PolicyNoRetry,
		"__gfp_noretry": PolicyNoRetry,
		"gfp_noretry":   PolicyNoRetry,
	}

	// zones eligible for each base class, in order of preference
	zoneFallback = map[Policy][]string{
		PolicyKernel:          {"Normal", "DMA32", "DMA"},
		PolicyHighUser:        {"HighMem", "Normal", "DMA32", "DMA"},
		PolicyHighUserMovable: {"Movable", "HighMem", "Normal", "DMA32", "DMA"},
	}
)

// ParsePolicy parses a policy of the form base[+modifier...].
func ParsePolicy(str string) (Policy, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(str)), "+")

	base, ok := stringToBase[strings.TrimSpace(parts[0])]
	if !ok {
		return 0, fmt.Errorf("%w: unknown base %q", ErrInvalidPolicy, parts[0])
	}

	p := base
	for _, m := range parts[1:] {
		mod, ok := stringToMod[strings.TrimSpace(m)]
		if !ok {
			return 0, fmt.Errorf("%w: unknown modifier %q", ErrInvalidPolicy, m)
		}
		p |= mod
	}

	return p, nil
}

// MustParsePolicy parses the given policy string. It panics on failure.
func MustParsePolicy(str string) Policy {
	p, err := ParsePolicy(str)
	if err != nil {
		panic(err)
	}
	return p
}

// Base returns the base class of the policy.
func (p Policy) Base() Policy {
	return p & policyBaseMask
}

// Blocking returns true if allocations may wait for memory to be reclaimed.
func (p Policy) Blocking() bool {
	return p&PolicyNoRetry == 0
}

// Validate checks that the policy has a known base and only known modifiers.
func (p Policy) Validate() error {
	if _, ok := baseToString[p.Base()]; !ok {
		return fmt.Errorf("%w: unknown base %d", ErrInvalidPolicy, p.Base())
	}
	if mods := p &^ policyBaseMask; mods&^policyModMask != 0 {
		return fmt.Errorf("%w: unknown modifiers %#x", ErrInvalidPolicy, mods&^policyModMask)
	}
	return nil
}

// IsValid returns true if the policy is valid.
func (p Policy) IsValid() bool {
	return p.Validate() == nil
}

// ZoneFallback returns the zones eligible for the policy in order of preference.
func (p Policy) ZoneFallback() []string {
	return zoneFallback[p.Base()]
}

// String returns a string representation of the policy.
func (p Policy) String() string {
	base, ok := baseToString[p.Base()]
	if !ok {
		return fmt.Sprintf("%%!(pagealloc:Bad-Policy %#x)", uint32(p))
	}
	for mod, name := range modToString {
		if p&mod != 0 {
			base += "+" + name
		}
	}
	return base
}

// MarshalJSON is the json.Marshaller for Policy.
func (p Policy) MarshalJSON() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON is the json.Unmarshaller for Policy.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var i uint32
	if err := json.Unmarshal(data, &i); err == nil {
		if err := Policy(i).Validate(); err != nil {
			return err
		}
		*p = Policy(i)
		return nil
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}

	parsed, err := ParsePolicy(str)
	if err != nil {
		return err
	}

	*p = parsed
	return nil
}
