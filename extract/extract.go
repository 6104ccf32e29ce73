// Package extract pulls named values out of loosely structured page text
// with a table of regular expressions. Rules never fail, an absent value
// is simply missing from the result.
package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Rule captures the first submatch of Pattern as the value of Name.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Table is an ordered set of rules. Later rules with the same name act as
// alternatives and are only tried while the name is still missing.
type Table []Rule

// Fields maps a rule name to its captured value.
type Fields map[string]string

func (t Table) Apply(text string) Fields {
	out := Fields{}
	for _, rule := range t {
		if _, ok := out[rule.Name]; ok {
			continue
		}
		m := rule.Pattern.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if v := strings.TrimSpace(m[1]); v != "" {
			out[rule.Name] = v
		}
	}
	return out
}

// Names lists the distinct rule names in table order.
func (t Table) Names() []string {
	seen := map[string]bool{}
	var names []string
	for _, rule := range t {
		if !seen[rule.Name] {
			seen[rule.Name] = true
			names = append(names, rule.Name)
		}
	}
	return names
}

type MissingFieldsError struct {
	Names []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing fields: %s", strings.Join(e.Names, ", "))
}

// Require returns a MissingFieldsError naming every absent field.
func (f Fields) Require(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, ok := f[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &MissingFieldsError{Names: missing}
}
