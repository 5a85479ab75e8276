package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeParams(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMergesWithOverride(t *testing.T) {
	dir := t.TempDir()
	base := writeParams(t, dir, "base.txt", `
# downloader
history_years = 5
risk_free_rate = 0.105
momentum_enabled = true
SPECIAL_MARKET_CLOSURES = 2025-08-25:closure, 2025-12-24:other
risk_profile = "moderado"
`)
	override := writeParams(t, dir, "override.txt", "history_years=3\n")

	s, err := Load(dir, []string{base, override}, DefaultSchema, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 3, s.Int("history_years"))
	assert.InDelta(t, 0.105, s.Float("risk_free_rate"), 1e-9)
	assert.True(t, s.Bool("momentum_enabled"))
	assert.Equal(t, []string{"2025-08-25:closure", "2025-12-24:other"}, s.List("SPECIAL_MARKET_CLOSURES"))
	assert.Equal(t, "moderado", s.Str("risk_profile")) // quotes stripped
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(t.TempDir(), []string{"/nonexistent/params.txt"}, DefaultSchema, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot read parameter file")
}

func TestLoadBadTypeFails(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "bad.txt", "history_years=five\n")

	_, err := Load(dir, []string{path}, DefaultSchema, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an integer")
}

func TestUnknownKeyKeptAsString(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "extra.txt", "custom_flag=whatever\n")

	s, err := Load(dir, []string{path}, DefaultSchema, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "whatever", s.Str("custom_flag"))
}

func TestDefaultsAndPromotion(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "p.txt", "blend_steps=12\n")

	s, err := Load(dir, []string{path}, DefaultSchema, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 12, s.IntDefault("blend_steps", 10))
	assert.Equal(t, 10, s.IntDefault("absent_key", 10))
	assert.Equal(t, "x", s.StrDefault("absent_key", "x"))
	assert.True(t, s.BoolDefault("absent_key", true))
	// Int-typed values promote to float.
	assert.InDelta(t, 12.0, s.Float("blend_steps"), 1e-9)
	assert.InDelta(t, 1.5, s.FloatDefault("absent_key", 1.5), 1e-9)
}

func TestStripQuotes(t *testing.T) {
	assert.Equal(t, "abc", stripQuotes(`"abc"`))
	assert.Equal(t, "abc", stripQuotes(`'abc'`))
	assert.Equal(t, `"abc`, stripQuotes(`"abc`))
	assert.Equal(t, "", stripQuotes(""))
}

func TestPathResolution(t *testing.T) {
	root := t.TempDir()
	paramsDir := filepath.Join(root, "parameters")
	require.NoError(t, os.MkdirAll(paramsDir, 0o755))
	writeParams(t, paramsDir, "tickers.txt", "VALE3.SA\n")

	cfg := writeParams(t, root, "paths.txt",
		"TICKERS_FILE=tickers.txt\nFINDB_FILE=findata/findb.csv\n")

	s, err := Load(root, []string{cfg}, DefaultSchema, zerolog.Nop())
	require.NoError(t, err)

	// Basename exists under parameters/, so the relative value resolves there.
	assert.Equal(t, filepath.Join(paramsDir, "tickers.txt"), s.Path("TICKERS_FILE"))
	// Otherwise relative paths resolve against the repo root.
	assert.Equal(t, filepath.Join(root, "findata/findb.csv"), s.Path("FINDB_FILE"))
	assert.Equal(t, "", s.Path("absent_key"))
}

func TestValidateCollectsAllProblems(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "p.txt", "min_stocks=abc\n")

	s, err := Load(dir, []string{path}, Schema{"min_stocks": KindString}, zerolog.Nop())
	require.NoError(t, err)

	err = s.Validate(DefaultSchema, "min_stocks", "max_stocks", "sim_runs")
	require.Error(t, err)

	cfgErr, ok := err.(*Error)
	require.True(t, ok)
	// One mistyped value plus two missing keys, reported together.
	assert.Len(t, cfgErr.Problems, 3)
	assert.Contains(t, err.Error(), "missing required parameter max_stocks")
	assert.Contains(t, err.Error(), "not an integer")
}

func TestValidatePasses(t *testing.T) {
	dir := t.TempDir()
	path := writeParams(t, dir, "p.txt", "min_stocks=8\nmax_stocks=12\n")

	s, err := Load(dir, []string{path}, DefaultSchema, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, s.Validate(DefaultSchema, "min_stocks", "max_stocks"))
}
