package naming

import (
	"sort"
)

// FileGap is a run of slots not covered by any raw batch file, bounded by
// the files on either side.
type FileGap struct {
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
	Size       uint64 `json:"size"`
	AfterFile  string `json:"after_file"`
	BeforeFile string `json:"before_file"`
}

// CollectGaps orders raw batch names by first slot and reports every hole
// not covered by any earlier file. Names that are not raw batches are ignored.
func CollectGaps(names []string) []FileGap {
	files := make([]RawFile, 0, len(names))
	for _, n := range names {
		f, err := ParseRaw(n)
		if err != nil {
			continue
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].FirstSlot < files[j].FirstSlot
	})

	var gaps []FileGap
	if len(files) == 0 {
		return gaps
	}
	// reach is the file covering the highest slot seen so far; files nested
	// inside it do not open a hole.
	reach := files[0]
	for _, f := range files[1:] {
		if f.FirstSlot > reach.LastSlot+1 {
			gaps = append(gaps, FileGap{
				Start:      reach.LastSlot + 1,
				End:        f.FirstSlot - 1,
				Size:       f.FirstSlot - reach.LastSlot - 1,
				AfterFile:  reach.Name,
				BeforeFile: f.Name,
			})
		}
		if f.LastSlot > reach.LastSlot {
			reach = f
		}
	}
	return gaps
}

// WorkerGaps attributes every missing slot to the worker index slot % workerCount.
// All indexes in [0, workerCount) are present in the result.
func WorkerGaps(gaps []FileGap, workerCount int) map[int]uint64 {
	out := make(map[int]uint64, workerCount)
	if workerCount <= 0 {
		return out
	}
	for i := 0; i < workerCount; i++ {
		out[i] = 0
	}
	n := uint64(workerCount)
	for _, g := range gaps {
		full := g.Size / n
		for i := range out {
			out[i] += full
		}
		for slot := g.Start + full*n; slot <= g.End; slot++ {
			out[int(slot%n)]++
		}
	}
	return out
}

// FilesQueue counts the batch files among names and returns the oldest upload
// timestamp. Both raw and columnar names are recognized.
func FilesQueue(names []string) (count int, oldest int64) {
	for _, n := range names {
		var ts int64
		if f, err := ParseRaw(n); err == nil {
			ts = f.Timestamp
		} else if c, err := ParseColumnar(n); err == nil {
			ts = c.Timestamp
		} else {
			continue
		}
		if count == 0 || ts < oldest {
			oldest = ts
		}
		count++
	}
	return count, oldest
}

// MaxLastSlot returns the highest last slot among raw batch names.
func MaxLastSlot(names []string) (uint64, bool) {
	var max uint64
	found := false
	for _, n := range names {
		f, err := ParseRaw(n)
		if err != nil {
			continue
		}
		if !found || f.LastSlot > max {
			max = f.LastSlot
			found = true
		}
	}
	return max, found
}
