// Package version implements ecosystem-specific total orderings over
// package version strings.
package version

import "strconv"

// Ecosystem selects which versioning rules Compare applies.
type Ecosystem int

const (
	// EcosystemDeb follows Debian policy: optional numeric epoch before
	// ':', upstream and revision segments, '~' sorts before everything.
	EcosystemDeb Ecosystem = iota
	// EcosystemRpm follows rpmvercmp: alphanumeric segments, numeric
	// segments dominate alphabetic ones, epoch defaults to zero.
	EcosystemRpm
	// EcosystemOpkg uses the Debian rules; opkg version strings are
	// Debian version strings.
	EcosystemOpkg
	// EcosystemBsdPkg uses the Debian rules without epochs in practice;
	// the epoch handling is harmless when absent.
	EcosystemBsdPkg
)

// String returns the string representation of Ecosystem
func (e Ecosystem) String() string {
	switch e {
	case EcosystemDeb:
		return "deb"
	case EcosystemRpm:
		return "rpm"
	case EcosystemOpkg:
		return "opkg"
	case EcosystemBsdPkg:
		return "pkg"
	default:
		return "unknown"
	}
}

// Compare orders two version strings under the given ecosystem's rules.
// It returns -1, 0 or 1. The result is defined for every pair of strings:
// strings the ecosystem grammar rejects are ordered by raw byte comparison
// instead of producing an error, because repository metadata in the wild
// is not always well-formed.
func Compare(a, b string, eco Ecosystem) int {
	if eco == EcosystemRpm {
		return rpmCompare(a, b)
	}
	return debCompare(a, b)
}

func debCompare(a, b string) int {
	ea, ua, ra, oka := splitDeb(a)
	eb, ub, rb, okb := splitDeb(b)
	if !oka || !okb {
		return byteCompare(a, b)
	}
	if ea != eb {
		if ea < eb {
			return -1
		}
		return 1
	}
	if c := verrevcmp(ua, ub); c != 0 {
		return c
	}
	// An absent revision compares as "0", so 1.0 and 1.0-0 are equal.
	if ra == "" {
		ra = "0"
	}
	if rb == "" {
		rb = "0"
	}
	return verrevcmp(ra, rb)
}

// splitDeb splits a Debian version string into epoch, upstream version and
// revision. ok is false when the epoch is present but not numeric.
func splitDeb(v string) (epoch uint64, upstream, revision string, ok bool) {
	for i := 0; i < len(v); i++ {
		if v[i] == ':' {
			e, err := strconv.ParseUint(v[:i], 10, 64)
			if err != nil {
				return 0, "", "", false
			}
			epoch = e
			v = v[i+1:]
			break
		}
	}
	for i := len(v) - 1; i >= 0; i-- {
		if v[i] == '-' {
			return epoch, v[:i], v[i+1:], true
		}
	}
	return epoch, v, "", true
}

// verrevcmp compares upstream-version or revision strings the way dpkg
// does: alternating runs of non-digits and digits, non-digit runs compared
// bytewise with letters before punctuation and '~' before the empty
// string, digit runs compared numerically.
func verrevcmp(a, b string) int {
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		for (i < len(a) && !isDigit(a[i])) || (j < len(b) && !isDigit(b[j])) {
			ac := charOrder(byteAt(a, i))
			bc := charOrder(byteAt(b, j))
			if ac != bc {
				if ac < bc {
					return -1
				}
				return 1
			}
			i++
			j++
		}
		for i < len(a) && a[i] == '0' {
			i++
		}
		for j < len(b) && b[j] == '0' {
			j++
		}
		firstDiff := 0
		for i < len(a) && j < len(b) && isDigit(a[i]) && isDigit(b[j]) {
			if firstDiff == 0 {
				firstDiff = int(a[i]) - int(b[j])
			}
			i++
			j++
		}
		if i < len(a) && isDigit(a[i]) {
			return 1
		}
		if j < len(b) && isDigit(b[j]) {
			return -1
		}
		if firstDiff != 0 {
			if firstDiff < 0 {
				return -1
			}
			return 1
		}
	}
	return 0
}

// byteAt treats positions past the end as NUL so that string ends take
// part in the '~' ordering.
func byteAt(s string, i int) byte {
	if i >= len(s) {
		return 0
	}
	return s[i]
}

// charOrder maps a byte to its sort weight: end-of-string and digits at
// zero, letters at their byte value, '~' below everything else.
func charOrder(c byte) int {
	switch {
	case c == 0 || isDigit(c):
		return 0
	case isAlpha(c):
		return int(c)
	case c == '~':
		return -1
	default:
		return int(c) + 256
	}
}

func rpmCompare(a, b string) int {
	ea, va := splitRpmEpoch(a)
	eb, vb := splitRpmEpoch(b)
	if ea != eb {
		if ea < eb {
			return -1
		}
		return 1
	}
	return rpmvercmp(va, vb)
}

// splitRpmEpoch strips a numeric epoch prefix; absent epochs default to
// zero. A non-numeric prefix before ':' is left in place and ordered as
// part of the version segments.
func splitRpmEpoch(v string) (uint64, string) {
	for i := 0; i < len(v); i++ {
		if v[i] == ':' {
			if e, err := strconv.ParseUint(v[:i], 10, 64); err == nil {
				return e, v[i+1:]
			}
			return 0, v
		}
		if !isDigit(v[i]) {
			return 0, v
		}
	}
	return 0, v
}

// rpmvercmp compares version strings as librpm does: non-alphanumeric
// bytes separate segments, digit segments order before and dominate over
// alphabetic segments, digit segments compare numerically.
func rpmvercmp(a, b string) int {
	i, j := 0, 0
	for {
		for i < len(a) && !isAlnum(a[i]) {
			i++
		}
		for j < len(b) && !isAlnum(b[j]) {
			j++
		}
		if i >= len(a) && j >= len(b) {
			return 0
		}
		if i >= len(a) {
			return -1
		}
		if j >= len(b) {
			return 1
		}
		numeric := isDigit(a[i])
		if numeric != isDigit(b[j]) {
			// A numeric segment is newer than an alphabetic one.
			if numeric {
				return 1
			}
			return -1
		}
		si, sj := i, j
		if numeric {
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			if c := numCompare(a[si:i], b[sj:j]); c != 0 {
				return c
			}
		} else {
			for i < len(a) && isAlpha(a[i]) {
				i++
			}
			for j < len(b) && isAlpha(b[j]) {
				j++
			}
			if c := byteCompare(a[si:i], b[sj:j]); c != 0 {
				return c
			}
		}
	}
}

// numCompare compares two digit runs numerically without overflow: strip
// leading zeros, longer run wins, equal lengths compare bytewise.
func numCompare(a, b string) int {
	for len(a) > 0 && a[0] == '0' {
		a = a[1:]
	}
	for len(b) > 0 && b[0] == '0' {
		b = b[1:]
	}
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return byteCompare(a, b)
}

func byteCompare(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }
