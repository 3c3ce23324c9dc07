package signal

import (
	"sort"
	"strconv"
	"strings"
)

// ParseHistogram decodes "level=count level=count ..." into observation counts.
// Negative levels are read as dBm. Malformed tokens and levels outside the
// histogram range are skipped and counted in skipped.
func ParseHistogram(text string) (counts map[int]int, skipped int) {
	counts = make(map[int]int)
	for _, tok := range strings.Fields(text) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			skipped++
			continue
		}
		level, err := strconv.Atoi(k)
		if err != nil {
			skipped++
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			skipped++
			continue
		}
		if level < 0 {
			level = -level
		}
		if level < MinLevel || level >= MaxLevel {
			skipped++
			continue
		}
		counts[level] += n
	}
	return counts, skipped
}

// FormatHistogram encodes observation counts sorted by level.
func FormatHistogram(counts map[int]int) string {
	levels := make([]int, 0, len(counts))
	for l, n := range counts {
		if n > 0 {
			levels = append(levels, l)
		}
	}
	sort.Ints(levels)

	var b strings.Builder
	for i, l := range levels {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.Itoa(l))
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(counts[l]))
	}
	return b.String()
}
