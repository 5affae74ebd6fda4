package truth

import (
	"strconv"
	"strings"
)

// CompareVersions orders two dotted version strings by splitting on "." and
// comparing each component as an integer; a shorter tuple is zero-padded to
// the length of the longer one. Returns -1, 0, or 1.
func CompareVersions(a, b string) int {
	pa := versionParts(a)
	pb := versionParts(b)
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var va, vb int
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va != vb {
			if va < vb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// versionParts splits a version string like "v1.4.2" into [1, 4, 2]. Leading
// "v"/"V" characters are stripped from each component. Unparseable components
// are treated as zero.
func versionParts(v string) []int {
	fields := strings.Split(v, ".")
	out := make([]int, len(fields))
	for i, f := range fields {
		f = strings.TrimLeft(f, "vV")
		n, err := strconv.Atoi(f)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}

// bumpPatch increments the last dotted component of v, keeping a leading
// "v"/"V" on it. An empty version becomes "v0.0.1"; an unparseable last
// component is treated as 0 before bumping.
func bumpPatch(v string) string {
	if strings.TrimSpace(v) == "" {
		return "v0.0.1"
	}
	fields := strings.Split(v, ".")
	last := fields[len(fields)-1]
	prefix := ""
	if len(last) > 0 && (last[0] == 'v' || last[0] == 'V') {
		prefix = last[:1]
		last = last[1:]
	}
	n, err := strconv.Atoi(last)
	if err != nil {
		n = 0
	}
	fields[len(fields)-1] = prefix + strconv.Itoa(n+1)
	return strings.Join(fields, ".")
}
