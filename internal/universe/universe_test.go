package universe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, content string) *Universe {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickers.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	u, err := Load(path, zerolog.Nop())
	require.NoError(t, err)
	return u
}

func TestLoadParsesAndFilters(t *testing.T) {
	u := load(t, `Ticker,Name,Sector,Industry,BrokerName
VALE3.SA,Vale,Basic Materials,Mining,VALE ON
PETR4.SA,Petrobras,Energy,Oil & Gas
# a comment line
BAD3.SA,Broken,Error fetching sector,Unknown
VALE3.SA,Duplicate,Other,Other
,NoSymbol,X,Y
`)

	require.Len(t, u.Tickers, 2)
	assert.Equal(t, []string{"VALE3.SA", "PETR4.SA"}, u.Symbols())

	vale, ok := u.Get("VALE3.SA")
	require.True(t, ok)
	assert.Equal(t, "Vale", vale.Name) // first occurrence wins
	assert.Equal(t, "VALE ON", vale.BrokerName)

	petr, ok := u.Get("PETR4.SA")
	require.True(t, ok)
	assert.Empty(t, petr.BrokerName)

	_, ok = u.Get("BAD3.SA")
	assert.False(t, ok)

	assert.Equal(t, "Energy", u.SectorOf("PETR4.SA"))
	assert.Equal(t, "", u.SectorOf("MISSING.SA"))
	assert.Equal(t, map[string]string{
		"VALE3.SA": "Basic Materials",
		"PETR4.SA": "Energy",
	}, u.SectorMap())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.csv"), zerolog.Nop())
	assert.Error(t, err)
}

func TestMergeLeftWins(t *testing.T) {
	a := load(t, "Ticker,Name,Sector,Industry\nAAA.SA,A1,s1,i1\nBBB.SA,B1,s1,i1\n")
	b := load(t, "Ticker,Name,Sector,Industry\nBBB.SA,B2,s2,i2\nCCC.SA,C1,s2,i2\n")

	m := Merge(a, b)
	assert.Equal(t, []string{"AAA.SA", "BBB.SA", "CCC.SA"}, m.Symbols())

	bbb, _ := m.Get("BBB.SA")
	assert.Equal(t, "B1", bbb.Name)
}
