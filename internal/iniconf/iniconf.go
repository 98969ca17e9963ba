// Package iniconf is the launcher's Config Provider (L1): an INI-style
// section/option store with typed lookups and family fallback, modeled on
// _examples/original_source/brim/conf.py's Conf.get behavior. It is
// intentionally a thin reader whose only outside import is
// github.com/pkg/errors — see DESIGN.md for why no third-party INI library
// was wired in its place.
package iniconf

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TrueValues and FalseValues mirror brim/conf.py's TRUE_VALUES/FALSE_VALUES
// lists for GetBool.
var (
	TrueValues  = map[string]bool{"1": true, "on": true, "t": true, "true": true, "y": true, "yes": true}
	FalseValues = map[string]bool{"0": true, "f": true, "false": true, "n": true, "no": true, "off": true}
)

// Conf wraps a parsed configuration: one map of option->value per section,
// plus the list of files it was read from (for error messages and
// additional_confs bookkeeping).
type Conf struct {
	sections map[string]map[string]string
	Files    []string
}

// Section returns the family name and optional #suffix of a section header
// such as "wsgi#alt" -> ("wsgi", "alt"). A section with no "#" returns
// (name, "").
func Section(name string) (family, suffix string) {
	if i := strings.IndexByte(name, '#'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

// HasSection reports whether a section (exact name, including any suffix)
// was present in the parsed file.
func (c *Conf) HasSection(name string) bool {
	_, ok := c.sections[name]
	return ok
}

// SectionNames returns every parsed section name in file order is not
// guaranteed; callers needing stable order should sort.
func (c *Conf) SectionNames() []string {
	names := make([]string, 0, len(c.sections))
	for n := range c.sections {
		names = append(names, n)
	}
	return names
}

// SectionsWithFamily returns every section name (including suffixed
// variants) whose family matches, e.g. SectionsWithFamily("wsgi") returns
// both "wsgi" and "wsgi#alt" if both are present.
func (c *Conf) SectionsWithFamily(family string) []string {
	var out []string
	for n := range c.sections {
		f, _ := Section(n)
		if f == family {
			out = append(out, n)
		}
	}
	return out
}

// get implements the fallback chain: the named section, then (if it has a
// family prefix) the bare family section, then "[brim]". The first section
// that defines the option wins.
func (c *Conf) get(section, option string) (string, bool) {
	if v, ok := c.lookupExact(section, option); ok {
		return v, true
	}
	if family, suffix := Section(section); suffix != "" {
		if v, ok := c.lookupExact(family, option); ok {
			return v, true
		}
	}
	if section != "brim" {
		if v, ok := c.lookupExact("brim", option); ok {
			return v, true
		}
	}
	return "", false
}

func (c *Conf) lookupExact(section, option string) (string, bool) {
	s, ok := c.sections[section]
	if !ok {
		return "", false
	}
	v, ok := s[option]
	return v, ok
}

// GetString returns the option's value, or def if unset anywhere in the
// fallback chain.
func (c *Conf) GetString(section, option, def string) string {
	if v, ok := c.get(section, option); ok {
		return v
	}
	return def
}

// GetInt parses the option as an int, or returns def if unset or
// unparsable.
func (c *Conf) GetInt(section, option string, def int) (int, error) {
	v, ok := c.get(section, option)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, errors.Wrapf(err, "[%s] %s=%q is not an int", section, option, v)
	}
	return n, nil
}

// GetBool parses the option against TrueValues/FalseValues.
func (c *Conf) GetBool(section, option string, def bool) (bool, error) {
	v, ok := c.get(section, option)
	if !ok {
		return def, nil
	}
	lv := strings.ToLower(strings.TrimSpace(v))
	if TrueValues[lv] {
		return true, nil
	}
	if FalseValues[lv] {
		return false, nil
	}
	return def, errors.Errorf("[%s] %s=%q is not a recognized boolean", section, option, v)
}

// GetFloat parses the option as a float64.
func (c *Conf) GetFloat(section, option string, def float64) (float64, error) {
	v, ok := c.get(section, option)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return def, errors.Wrapf(err, "[%s] %s=%q is not a float", section, option, v)
	}
	return f, nil
}

// GetList splits the option on whitespace, matching the space-separated
// list convention used by "apps", "count_status_codes" and
// "additional_confs".
func (c *Conf) GetList(section, option string) []string {
	v, ok := c.get(section, option)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	return strings.Fields(v)
}

// Read parses an INI stream into a Conf. Lines starting with "#" or ";" are
// comments; a line of the form "key = value" (or "key: value") sets an
// option in the current section; a line "[section]" starts a new section.
// If the "[brim]" section defines additional_confs, those files are parsed
// and merged in (later files do not override earlier ones for a given
// section/option, matching brim/conf.py's read_conf).
func Read(r io.Reader, name string) (*Conf, error) {
	c := &Conf{sections: make(map[string]map[string]string)}
	if name != "" {
		c.Files = append(c.Files, name)
	}
	if err := c.parseInto(r); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", name)
	}
	for _, extra := range c.GetList("brim", "additional_confs") {
		if err := c.mergeFile(extra); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ReadFile opens and parses path.
func ReadFile(path string) (*Conf, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, path)
}

func (c *Conf) mergeFile(path string) error {
	abs := path
	if !filepath.IsAbs(abs) {
		if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(abs, "~") {
			abs = filepath.Join(home, strings.TrimPrefix(abs, "~"))
		}
	}
	f, err := os.Open(abs)
	if err != nil {
		return errors.Wrapf(err, "additional_confs %s", path)
	}
	defer f.Close()
	other := &Conf{sections: make(map[string]map[string]string)}
	if err := other.parseInto(f); err != nil {
		return errors.Wrapf(err, "additional_confs %s", path)
	}
	for section, opts := range other.sections {
		dst, ok := c.sections[section]
		if !ok {
			dst = make(map[string]string)
			c.sections[section] = dst
		}
		for k, v := range opts {
			if _, exists := dst[k]; !exists {
				dst[k] = v
			}
		}
	}
	c.Files = append(c.Files, abs)
	return nil
}

func (c *Conf) parseInto(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var section string
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			end := strings.IndexByte(line, ']')
			if end < 0 {
				return fmt.Errorf("line %d: unterminated section header %q", lineno, line)
			}
			section = strings.TrimSpace(line[1:end])
			if _, ok := c.sections[section]; !ok {
				c.sections[section] = make(map[string]string)
			}
			continue
		}
		if section == "" {
			return fmt.Errorf("line %d: option %q outside of any section", lineno, line)
		}
		key, value, ok := splitOption(line)
		if !ok {
			return fmt.Errorf("line %d: cannot parse option %q", lineno, line)
		}
		c.sections[section][key] = value
	}
	return scanner.Err()
}

func splitOption(line string) (key, value string, ok bool) {
	for _, sep := range []string{"=", ":"} {
		if i := strings.IndexByte(line, sep[0]); i > 0 {
			return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
		}
	}
	return "", "", false
}
