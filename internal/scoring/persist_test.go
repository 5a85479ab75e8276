package scoring

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfmelo/carteira/internal/domain"
)

func TestScoredStocksRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scored.csv")
	ts := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

	run1 := []domain.ScoredStock{
		{RunID: "r1", Timestamp: ts, Symbol: "AAA.SA", CompositeScore: 0.9, ForwardPE: 7, UpsideSource: domain.UpsideSourceProviderTarget},
	}
	run2 := []domain.ScoredStock{
		{RunID: "r2", Timestamp: ts, Symbol: "BBB.SA", CompositeScore: 0.8, ForwardPE: 9, UpsideSource: domain.UpsideSourceSectorPE},
		{RunID: "r2", Timestamp: ts, Symbol: "CCC.SA", CompositeScore: 0.7, ForwardPE: 11, UpsideSource: domain.UpsideSourceProviderTarget},
	}
	require.NoError(t, AppendScoredStocks(path, run1))
	require.NoError(t, AppendScoredStocks(path, run2))

	// Only the most recent run comes back, in file order.
	rows, err := ReadLatestScored(path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "BBB.SA", rows[0].Symbol)
	assert.Equal(t, "r2", rows[0].RunID)
	assert.InDelta(t, 0.8, rows[0].CompositeScore, 1e-9)
	assert.InDelta(t, 9.0, rows[0].ForwardPE, 1e-9)
	assert.Equal(t, domain.UpsideSourceSectorPE, rows[0].UpsideSource)
	assert.Equal(t, ts, rows[1].Timestamp)
}

func TestReadLatestScoredMissingFile(t *testing.T) {
	rows, err := ReadLatestScored(filepath.Join(t.TempDir(), "absent.csv"))
	require.NoError(t, err)
	assert.Nil(t, rows)
}

func TestAppendSectorPE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sector_pe.csv")
	ts := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)

	require.NoError(t, AppendSectorPE(path, "r1", ts, map[string]float64{
		"mining":  6.5,
		"banking": 9.0,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "run_id,timestamp,Sector,MedianForwardPE")
	// Sectors are written alphabetically.
	assert.Less(t, strings.Index(content, "banking"), strings.Index(content, "mining"))
}

func TestWriteCorrelationMatrix(t *testing.T) {
	dir := t.TempDir()
	matrix := scoringMatrix([]string{"AAA.SA", "BBB.SA"}, 60)
	rows := []domain.ScoredStock{{Symbol: "AAA.SA"}, {Symbol: "BBB.SA"}}

	path := filepath.Join(dir, "correlation.csv")
	require.NoError(t, WriteCorrelationMatrix(path, rows, matrix, 20))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, ",AAA.SA,BBB.SA")
	// Diagonal entries are exactly 1.
	assert.Contains(t, content, "AAA.SA,1.000000")
}
