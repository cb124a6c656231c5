package partition

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func files(sizes ...int64) []File {
	out := make([]File, len(sizes))
	for i, s := range sizes {
		out[i] = File{Path: fmt.Sprintf("f%02d.xml", i), Size: s}
	}
	return out
}

func maxTotal(parts [][]File) int64 {
	return slices.Max(Totals(parts))
}

// optimalMakespan brute-forces the best assignment for small inputs.
func optimalMakespan(sizes []int64, k int) int64 {
	best := int64(-1)
	loads := make([]int64, k)
	var rec func(i int)
	rec = func(i int) {
		if i == len(sizes) {
			m := slices.Max(loads)
			if best < 0 || m < best {
				best = m
			}
			return
		}
		for w := range k {
			loads[w] += sizes[i]
			rec(i + 1)
			loads[w] -= sizes[i]
		}
	}
	rec(0)
	return best
}

func TestSplit_NoWorkers(t *testing.T) {
	_, err := Split(files(1, 2), 0)
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = Split(files(1, 2), -3)
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestSplit_MoreWorkersThanFiles(t *testing.T) {
	parts, err := Split(files(10, 20), 4)
	require.NoError(t, err)
	require.Len(t, parts, 4)

	var empty int
	for _, p := range parts {
		assert.NotNil(t, p)
		if len(p) == 0 {
			empty++
		}
	}
	assert.Equal(t, 2, empty)
}

func TestSplit_EmptyInput(t *testing.T) {
	parts, err := Split(nil, 3)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.Empty(t, p)
	}
}

func TestSplit_LargestFirst(t *testing.T) {
	// Montreal-sized file plus many small ones: the big file gets a worker
	// of its own and the rest share the others.
	parts, err := Split(files(1000, 10, 10, 10, 10, 10, 10), 3)
	require.NoError(t, err)

	assert.Equal(t, []File{{Path: "f00.xml", Size: 1000}}, parts[0])
	assert.Equal(t, []int64{1000, 30, 30}, Totals(parts))
}

func TestSplit_ZeroByteFiles(t *testing.T) {
	parts, err := Split(files(0, 0, 5), 2)
	require.NoError(t, err)

	var n int
	for _, p := range parts {
		n += len(p)
	}
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(5), maxTotal(parts))
}

func TestSplit_UnionAndLPTBound(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))

	for trial := range 40 {
		n := 1 + rng.IntN(8)
		k := 1 + rng.IntN(3)
		sizes := make([]int64, n)
		for i := range sizes {
			sizes[i] = int64(rng.IntN(1000))
		}
		in := files(sizes...)

		parts, err := Split(in, k)
		require.NoError(t, err)
		require.Len(t, parts, k)

		var got []File
		for _, p := range parts {
			got = append(got, p...)
		}
		assert.ElementsMatch(t, in, got, "trial %d", trial)

		opt := optimalMakespan(sizes, k)
		bound := (4.0/3.0 - 1.0/(3.0*float64(k))) * float64(opt)
		assert.LessOrEqual(t, float64(maxTotal(parts)), bound+1e-9,
			"trial %d: sizes=%v k=%d", trial, sizes, k)
	}
}

func TestSplit_Deterministic(t *testing.T) {
	in := files(5, 5, 5, 3, 3, 1)
	a, err := Split(in, 2)
	require.NoError(t, err)
	b, err := Split(in, 2)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestTestSubset(t *testing.T) {
	in := files(1, 9, 5, 7, 3, 8)
	got := TestSubset(in, 2)
	// Sorted: 9, 8, 7, 5, 3, 1 -> skip 9, 8 and keep 7, 5.
	require.Len(t, got, 2)
	assert.Equal(t, int64(7), got[0].Size)
	assert.Equal(t, int64(5), got[1].Size)

	assert.Empty(t, TestSubset(files(1, 2), 3))
	assert.Len(t, TestSubset(files(1, 2, 3), 2), 1)
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xml"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.XML"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.xml"), 0o755))

	got, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []File{
		{Path: filepath.Join(dir, "a.xml"), Size: 5},
		{Path: filepath.Join(dir, "b.XML"), Size: 1},
	}, got)

	single, err := Scan(filepath.Join(dir, "a.xml"))
	require.NoError(t, err)
	assert.Equal(t, []File{{Path: filepath.Join(dir, "a.xml"), Size: 5}}, single)

	_, err = Scan(filepath.Join(dir, "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition: stat")
}
