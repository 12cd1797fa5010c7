package rules

import "sort"

// intervals returns the gaps between consecutive timestamps.
func intervals(ts []int64) []int64 {
	if len(ts) < 2 {
		return nil
	}
	out := make([]int64, 0, len(ts)-1)
	for i := 1; i < len(ts); i++ {
		out = append(out, ts[i]-ts[i-1])
	}
	return out
}

// uniqueMode returns the most frequent value, or false when several values
// share the highest frequency.
func uniqueMode(data []int64) (int64, bool) {
	if len(data) == 0 {
		return 0, false
	}
	counts := make(map[int64]int, len(data))
	for _, v := range data {
		counts[v]++
	}

	var mode int64
	best, ties := 0, 0
	for v, n := range counts {
		switch {
		case n > best:
			mode, best, ties = v, n, 1
		case n == best:
			ties++
		}
	}
	return mode, ties == 1
}

// medianGrouped interpolates the median of data treated as continuous
// classes of width 1 centred on each value.
func medianGrouped(data []int64) float64 {
	n := len(data)
	if n == 0 {
		return 0
	}

	sorted := make([]int64, n)
	copy(sorted, data)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	x := sorted[n/2]
	lower := float64(x) - 0.5
	cf := sort.Search(n, func(i int) bool { return sorted[i] >= x })
	hi := sort.Search(n, func(i int) bool { return sorted[i] > x })
	f := hi - cf

	return lower + (float64(n)/2-float64(cf))/float64(f)
}
