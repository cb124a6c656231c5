// Package partition spreads roll files across a fixed number of workers so
// that every worker processes roughly the same number of bytes.
package partition

import (
	"container/heap"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNoWorkers is returned when the worker count is not positive.
var ErrNoWorkers = errors.New("partition: worker count must be positive")

// File is an input file and its size in bytes.
type File struct {
	Path string
	Size int64
}

// Split assigns files to k workers using the longest-processing-time-first
// heuristic: files are taken largest first and each goes to the worker with
// the smallest running total. The result always has k entries; workers
// without files get an empty, non-nil slice.
func Split(files []File, k int) ([][]File, error) {
	if k <= 0 {
		return nil, ErrNoWorkers
	}

	sorted := bySizeDesc(files)

	parts := make([][]File, k)
	h := make(binHeap, k)
	for i := range k {
		parts[i] = []File{}
		h[i] = &bin{worker: i}
	}
	heap.Init(&h)

	for _, f := range sorted {
		lightest := h[0]
		parts[lightest.worker] = append(parts[lightest.worker], f)
		lightest.total += f.Size
		heap.Fix(&h, 0)
	}

	return parts, nil
}

// Totals returns the byte total of each partition.
func Totals(parts [][]File) []int64 {
	totals := make([]int64, len(parts))
	for i, p := range parts {
		for _, f := range p {
			totals[i] += f.Size
		}
	}
	return totals
}

// TestSubset keeps a small deterministic sample for test runs: files are
// sorted by size and the k largest are skipped, keeping the next k.
func TestSubset(files []File, k int) []File {
	sorted := bySizeDesc(files)
	start := min(k, len(sorted))
	end := min(2*k, len(sorted))
	return sorted[start:end]
}

// Scan lists the input files under path. A regular file is returned as is;
// a directory yields its .xml files (non-recursive).
func Scan(path string) ([]File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "partition: stat %s", path)
	}
	if !info.IsDir() {
		return []File{{Path: path, Size: info.Size()}}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, eris.Wrapf(err, "partition: read dir %s", path)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, eris.Wrapf(err, "partition: stat %s", e.Name())
		}
		files = append(files, File{Path: filepath.Join(path, e.Name()), Size: fi.Size()})
	}
	return files, nil
}

func bySizeDesc(files []File) []File {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Size != sorted[j].Size {
			return sorted[i].Size > sorted[j].Size
		}
		return sorted[i].Path < sorted[j].Path
	})
	return sorted
}

type bin struct {
	worker int
	total  int64
}

// binHeap is a min-heap of workers keyed by running total, then worker index.
type binHeap []*bin

func (h binHeap) Len() int { return len(h) }

func (h binHeap) Less(i, j int) bool {
	if h[i].total != h[j].total {
		return h[i].total < h[j].total
	}
	return h[i].worker < h[j].worker
}

func (h binHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *binHeap) Push(x any) { *h = append(*h, x.(*bin)) }

func (h *binHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	*h = old[:n-1]
	return b
}
