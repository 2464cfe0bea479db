// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package hostlist converts between node name slices and the compressed
// range notation used on the wire, e.g. ["tux0" "tux1" "tux2"] ⇄ "tux[0-2]".
package hostlist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Compress renders names in ranged notation. Input order is preserved for
// the leading prefix groups; numeric suffixes within a group are sorted.
func Compress(names []string) string {
	type group struct {
		prefix string
		nums   []int
		width  int
		plain  []string
	}
	var order []string
	groups := map[string]*group{}

	for _, name := range names {
		prefix, num, width, ok := splitSuffix(name)
		g, seen := groups[prefix]
		if !seen {
			g = &group{prefix: prefix}
			groups[prefix] = g
			order = append(order, prefix)
		}
		if ok {
			g.nums = append(g.nums, num)
			if width > g.width {
				g.width = width
			}
		} else {
			g.plain = append(g.plain, name)
		}
	}

	var parts []string
	for _, prefix := range order {
		g := groups[prefix]
		parts = append(parts, g.plain...)
		if len(g.nums) == 0 {
			continue
		}
		sort.Ints(g.nums)
		if len(g.nums) == 1 {
			parts = append(parts, fmt.Sprintf("%s%0*d", prefix, g.width, g.nums[0]))
			continue
		}
		parts = append(parts, prefix+"["+ranges(g.nums, g.width)+"]")
	}
	return strings.Join(parts, ",")
}

// Expand parses ranged notation back into individual node names.
func Expand(expr string) ([]string, error) {
	var names []string
	for _, tok := range splitTop(expr) {
		if tok == "" {
			continue
		}
		open := strings.IndexByte(tok, '[')
		if open < 0 {
			names = append(names, tok)
			continue
		}
		if !strings.HasSuffix(tok, "]") {
			return nil, fmt.Errorf("hostlist: unbalanced brackets in %q", tok)
		}
		prefix := tok[:open]
		body := tok[open+1 : len(tok)-1]
		for _, r := range strings.Split(body, ",") {
			lo, hi, width, err := parseNumRange(r)
			if err != nil {
				return nil, err
			}
			for n := lo; n <= hi; n++ {
				names = append(names, fmt.Sprintf("%s%0*d", prefix, width, n))
			}
		}
	}
	return names, nil
}

// splitTop splits on commas not inside brackets.
func splitTop(expr string) []string {
	var out []string
	depth, start := 0, 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, expr[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, expr[start:])
	return out
}

func splitSuffix(name string) (prefix string, num, width int, ok bool) {
	i := len(name)
	for i > 0 && name[i-1] >= '0' && name[i-1] <= '9' {
		i--
	}
	if i == len(name) {
		return name, 0, 0, false
	}
	n, err := strconv.Atoi(name[i:])
	if err != nil {
		return name, 0, 0, false
	}
	return name[:i], n, len(name) - i, true
}

func parseNumRange(r string) (lo, hi, width int, err error) {
	loStr, hiStr, isRange := strings.Cut(r, "-")
	lo, err = strconv.Atoi(loStr)
	if err != nil || lo < 0 {
		return 0, 0, 0, fmt.Errorf("hostlist: bad range %q", r)
	}
	width = len(loStr)
	if !isRange {
		return lo, lo, width, nil
	}
	hi, err = strconv.Atoi(hiStr)
	if err != nil || hi < lo {
		return 0, 0, 0, fmt.Errorf("hostlist: bad range %q", r)
	}
	return lo, hi, width, nil
}

func ranges(nums []int, width int) string {
	var sb strings.Builder
	for i := 0; i < len(nums); {
		j := i
		for j+1 < len(nums) && nums[j+1] == nums[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if j == i {
			fmt.Fprintf(&sb, "%0*d", width, nums[i])
		} else {
			fmt.Fprintf(&sb, "%0*d-%0*d", width, nums[i], width, nums[j])
		}
		i = j + 1
	}
	return sb.String()
}
