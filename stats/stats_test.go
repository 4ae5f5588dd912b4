package stats

import "bytes"
import "testing"

import "github.com/google/pprof/profile"
import "github.com/stretchr/testify/require"

func TestCounters(t *testing.T) {
	var tr Translator_t
	tr.Chunks.Inc()
	tr.Chunks.Inc()
	tr.Retired.Add(3)
	require.Equal(t, int64(2), tr.Chunks.Load())
	require.Equal(t, int64(3), tr.Retired.Load())
	require.Contains(t, tr.String(), "chunks 2")
}

func TestWriteChunkProfileRoundTrip(t *testing.T) {
	samples := []Chunksample_t{
		{Eip: 0x1000, Count: 500, Bytes: 96},
		{Eip: 0x3000, Count: 7, Bytes: 64},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteChunkProfile(&buf, samples))

	p, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, p.Sample, 2)
	require.Equal(t, int64(500), p.Sample[0].Value[0])
	require.Equal(t, uint64(0x1000), p.Sample[0].Location[0].Address)
	require.Equal(t, "guest_00001000", p.Sample[0].Location[0].Line[0].Function.Name)
}

func TestWriteChunkProfileEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteChunkProfile(&buf, nil))
	_, err := profile.Parse(&buf)
	require.NoError(t, err)
}
