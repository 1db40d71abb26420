// Package featureflags exposes environment-overridable boolean toggles for
// security-sensitive defaults that an operator may want to pin regardless of
// what the dynamic config KV layer (internal/config) says. Each flag reads
// VERIFLOW_<NAME> once per lookup and falls back to a compiled default.
package featureflags

import (
	"os"
	"strconv"
	"strings"
)

type flag struct {
	Name    string
	Default bool
}

func (f *flag) env() string {
	return "VERIFLOW_" + strings.ToUpper(f.Name)
}

func (f *flag) Enabled() bool {
	raw := os.Getenv(f.env())
	if raw == "" {
		return f.Default
	}

	res, err := strconv.ParseBool(raw)
	if err != nil {
		return f.Default
	}
	return res
}

func newFlag(s string, d bool) *flag {
	return &flag{Name: s, Default: d}
}
