// Package allocator maps equipment codes to numbering ranges, expands range
// expressions and finds free extension numbers. Pure functions, no I/O.
package allocator

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// InvalidRangeError is a locally detected malformed range token. It is never
// sent over the network.
type InvalidRangeError struct {
	Token string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range token %q", e.Token)
}

// EquipmentStart maps an operator-facing equipment code to the first number
// of its 100-number block: 1 -> 101, 4 -> 401, 10 -> 1001.
func EquipmentStart(code int) int {
	return code*100 + 1
}

// EquipmentRange returns the closed interval selected by an equipment code.
func EquipmentRange(code int) (start, end int) {
	start = EquipmentStart(code)
	return start, start + 99
}

// ExpandTargets expands a whitespace-separated target expression like
// "401 402 410-418" into a sorted-ascending, duplicate-free list of numeric
// strings. An inverted range ("402-401") is normalized low to high.
func ExpandTargets(spec string) ([]string, error) {
	seen := make(map[int]struct{})
	for _, tok := range strings.Fields(spec) {
		if strings.Contains(tok, "-") {
			parts := strings.SplitN(tok, "-", 2)
			lo, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
			hi, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err1 != nil || err2 != nil {
				return nil, &InvalidRangeError{Token: tok}
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			for n := lo; n <= hi; n++ {
				seen[n] = struct{}{}
			}
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, &InvalidRangeError{Token: tok}
		}
		seen[n] = struct{}{}
	}

	nums := make([]int, 0, len(seen))
	for n := range seen {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]string, len(nums))
	for i, n := range nums {
		out[i] = strconv.Itoa(n)
	}
	return out, nil
}

// NextFree scans consecutive integers from start, skipping numbers present
// in existing, until count results are collected. A number is never emitted
// twice and never collides with existing.
func NextFree(existing []string, start, count int) []string {
	taken := make(map[int]struct{}, len(existing))
	for _, e := range existing {
		if n, err := strconv.Atoi(e); err == nil {
			taken[n] = struct{}{}
		}
	}
	out := make([]string, 0, count)
	for cur := start; len(out) < count; cur++ {
		if _, ok := taken[cur]; ok {
			continue
		}
		out = append(out, strconv.Itoa(cur))
	}
	return out
}

// ExpandSlotRange expands a zero-padded slot range like "001-032" into
// ["001" ... "032"], preserving the wider of the two paddings. A single
// token passes through unchanged. Inverted bounds are normalized.
func ExpandSlotRange(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "-") {
		if s == "" {
			return nil, &InvalidRangeError{Token: s}
		}
		return []string{s}, nil
	}
	parts := strings.SplitN(s, "-", 2)
	a := strings.TrimSpace(parts[0])
	b := strings.TrimSpace(parts[1])
	lo, err1 := strconv.Atoi(a)
	hi, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil {
		return nil, &InvalidRangeError{Token: s}
	}
	width := len(a)
	if len(b) > width {
		width = len(b)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	out := make([]string, 0, hi-lo+1)
	for n := lo; n <= hi; n++ {
		out = append(out, fmt.Sprintf("%0*d", width, n))
	}
	return out, nil
}
