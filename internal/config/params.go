// Package config implements the layered key=value parameter store used by
// every pipeline stage. Parameters are read from an ordered list of plain
// text files; later files override earlier ones. Values are converted
// according to a declared schema, and path-like values are normalized so the
// same parameter files work across machines.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Kind is the declared type of a parameter.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindFloat
	KindList
	KindPath
)

// Schema maps parameter keys to their declared kinds. Keys absent from the
// schema are retained as raw strings with a warning.
type Schema map[string]Kind

// Error is a fatal configuration problem: a missing or mistyped critical
// parameter, or an unreadable parameter file.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// Store holds the merged, typed parameters of a run.
type Store struct {
	values   map[string]any
	raw      map[string]string
	repoRoot string
	log      zerolog.Logger
}

// Load reads the given parameter files in order, merging key=value pairs with
// later files overriding earlier ones. Blank lines and '#' comments are
// ignored. A missing file is a fatal error; stages must not run on partial
// configuration. A .env file at the repo root is loaded first so that
// environment-only settings (bucket names, log level) are available too.
func Load(repoRoot string, files []string, schema Schema, log zerolog.Logger) (*Store, error) {
	_ = godotenv.Load(filepath.Join(repoRoot, ".env"))

	s := &Store{
		values:   make(map[string]any),
		raw:      make(map[string]string),
		repoRoot: repoRoot,
		log:      log.With().Str("component", "config").Logger(),
	}

	for _, file := range files {
		if err := s.loadFile(file, schema); err != nil {
			return nil, &Error{Problems: []string{err.Error()}}
		}
	}

	return s, nil
}

func (s *Store) loadFile(path string, schema Schema) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cannot read parameter file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			s.log.Warn().Str("file", path).Int("line", lineNo).Msg("Ignoring malformed parameter line")
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))

		kind, known := schema[key]
		if !known {
			s.log.Warn().Str("key", key).Str("file", path).Msg("Unknown parameter kept as string")
			s.values[key] = value
			s.raw[key] = value
			continue
		}

		typed, err := convert(key, value, kind)
		if err != nil {
			return err
		}
		s.values[key] = typed
		s.raw[key] = value
	}
	return scanner.Err()
}

func stripQuotes(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func convert(key, value string, kind Kind) (any, error) {
	switch kind {
	case KindBool:
		switch strings.ToLower(value) {
		case "true", "yes", "1", "on":
			return true, nil
		case "false", "no", "0", "off":
			return false, nil
		}
		return nil, fmt.Errorf("parameter %s: %q is not a boolean", key, value)
	case KindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %q is not an integer", key, value)
		}
		return n, nil
	case KindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %q is not a number", key, value)
		}
		return f, nil
	case KindList:
		if value == "" {
			return []string{}, nil
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case KindPath:
		return expandHome(value), nil
	default:
		return value, nil
	}
}

func expandHome(v string) string {
	if strings.HasPrefix(v, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(v, "~"))
		}
	}
	return v
}

// Has reports whether a key is present.
func (s *Store) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

// Raw returns the raw string form of a key, or "".
func (s *Store) Raw(key string) string {
	return s.raw[key]
}

// Str returns a string parameter, or "" when absent.
func (s *Store) Str(key string) string {
	if v, ok := s.values[key].(string); ok {
		return v
	}
	return s.raw[key]
}

// StrDefault returns a string parameter or the fallback when absent.
func (s *Store) StrDefault(key, fallback string) string {
	if s.Has(key) {
		return s.Str(key)
	}
	return fallback
}

// Bool returns a bool parameter, false when absent.
func (s *Store) Bool(key string) bool {
	v, _ := s.values[key].(bool)
	return v
}

// BoolDefault returns a bool parameter or the fallback when absent.
func (s *Store) BoolDefault(key string, fallback bool) bool {
	if v, ok := s.values[key].(bool); ok {
		return v
	}
	return fallback
}

// Int returns an int parameter, 0 when absent.
func (s *Store) Int(key string) int {
	v, _ := s.values[key].(int)
	return v
}

// IntDefault returns an int parameter or the fallback when absent.
func (s *Store) IntDefault(key string, fallback int) int {
	if v, ok := s.values[key].(int); ok {
		return v
	}
	return fallback
}

// Float returns a float parameter, 0 when absent. Int-typed values are
// promoted so a schema change from int to float never breaks old files.
func (s *Store) Float(key string) float64 {
	switch v := s.values[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// FloatDefault returns a float parameter or the fallback when absent.
func (s *Store) FloatDefault(key string, fallback float64) float64 {
	if s.Has(key) {
		return s.Float(key)
	}
	return fallback
}

// List returns a list parameter, nil when absent.
func (s *Store) List(key string) []string {
	v, _ := s.values[key].([]string)
	return v
}

// Path returns a normalized filesystem path for a path-like parameter:
// environment variables are expanded, a foreign user-home prefix is remapped
// to the current home, and relative paths are resolved against the repo's
// parameters/ directory when the basename exists there, else the repo root.
func (s *Store) Path(key string) string {
	v := s.Str(key)
	if v == "" {
		return ""
	}
	return s.NormalizePath(v)
}

// NormalizePath applies the path normalization rules to an arbitrary value.
func (s *Store) NormalizePath(v string) string {
	v = os.ExpandEnv(expandHome(v))

	if filepath.IsAbs(v) {
		if _, err := os.Stat(v); err == nil {
			return v
		}
		if remapped, ok := remapForeignHome(v); ok {
			return remapped
		}
		return v
	}

	// Relative: prefer an existing file under parameters/, else repo root.
	inParams := filepath.Join(s.repoRoot, "parameters", filepath.Base(v))
	if _, err := os.Stat(inParams); err == nil {
		return inParams
	}
	return filepath.Join(s.repoRoot, v)
}

// remapForeignHome substitutes the current home directory for a path rooted
// in another user's home (/Users/<other>/... or /home/<other>/...).
func remapForeignHome(v string) (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	for _, prefix := range []string{"/Users/", "/home/"} {
		if !strings.HasPrefix(v, prefix) {
			continue
		}
		rest := strings.TrimPrefix(v, prefix)
		parts := strings.SplitN(rest, string(filepath.Separator), 2)
		if len(parts) != 2 {
			continue
		}
		return filepath.Join(home, parts[1]), true
	}
	return "", false
}

// Validate checks that every listed key is present and well typed against
// the schema. Returns a single *Error naming all problems at once so a
// misconfigured stage fails with the full picture.
func (s *Store) Validate(schema Schema, required ...string) error {
	var problems []string
	for _, key := range required {
		if !s.Has(key) {
			problems = append(problems, fmt.Sprintf("missing required parameter %s", key))
			continue
		}
		kind, known := schema[key]
		if !known {
			continue
		}
		if _, err := convert(key, s.raw[key], kind); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}
