package flows

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Reserved cookie prefixes (top byte) owned by the basic-flow provisioner.
const (
	CookiePrefixDiscovery uint64 = 0xab
	CookiePrefixColoring  uint64 = 0xac
)

// ReservedCookie builds a cookie in a reserved namespace.
func ReservedCookie(prefix uint64, low uint64) uint64 {
	return prefix<<56 | (low & 0x00ffffffffffffff)
}

// IsReserved reports whether the cookie belongs to the reserved flow space.
func IsReserved(cookie uint64) bool {
	prefix := cookie >> 56
	return prefix == CookiePrefixDiscovery || prefix == CookiePrefixColoring
}

// Key returns the identity of the flow on its device.
func (f Flow) Key() string {
	if f.Cookie != 0 {
		return fmt.Sprintf("cookie=%#x", f.Cookie)
	}
	return f.Slot()
}

// Slot returns the table entry the flow occupies. A device holds at most one
// flow per slot, whatever the cookies.
func (f Flow) Slot() string {
	return fmt.Sprintf("table=%d,priority=%d,%s", f.TableID, f.Priority, f.Match.Canonical())
}

// Reserved reports whether the flow is one of the provisioner's basic flows.
func (f Flow) Reserved() bool {
	return IsReserved(f.Cookie)
}

// Equal reports whether two flows are identical field for field.
// Counters and durations are not part of a Flow and never compared.
func (f Flow) Equal(other Flow) bool {
	if f.TableID != other.TableID ||
		f.Priority != other.Priority ||
		f.Cookie != other.Cookie ||
		f.IdleTimeout != other.IdleTimeout ||
		f.HardTimeout != other.HardTimeout {
		return false
	}
	if f.Match.Canonical() != other.Match.Canonical() {
		return false
	}
	if len(f.Actions) != len(other.Actions) {
		return false
	}
	for i := range f.Actions {
		if f.Actions[i] != other.Actions[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the flow.
func (f Flow) Clone() Flow {
	out := f
	if f.Match != nil {
		out.Match = make(Match, len(f.Match))
		for k, v := range f.Match {
			out.Match[k] = v
		}
	}
	if f.Actions != nil {
		out.Actions = append([]Action(nil), f.Actions...)
	}
	return out
}

// Canonical renders the match as sorted field=value pairs.
// Numeric values are normalised so 1, 1.0, "1" and "0x1" compare equal.
func (m Match) Canonical() string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+CanonicalValue(m[k]))
	}
	return strings.Join(parts, ",")
}

// CanonicalValue normalises a match value for comparison.
func CanonicalValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint16:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		if val == math.Trunc(val) && val >= 0 {
			return strconv.FormatUint(uint64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		if n, err := strconv.ParseUint(val, 0, 64); err == nil {
			return strconv.FormatUint(n, 10)
		}
		return strings.ToLower(val)
	default:
		return strings.ToLower(fmt.Sprint(val))
	}
}
