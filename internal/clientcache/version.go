package clientcache

import (
	"strconv"
	"strings"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// filtersSinceVersion is the earliest client version that understands the
// filters field on a resource view; older clients never asked for
// protocol/port scoping and would reject an unrecognized field.
const filtersSinceVersion = "1.1.0"

// ipStackSinceVersion is the earliest client version that understands
// dual-stack resource addressing.
const ipStackSinceVersion = "1.2.0"

// TrimForVersion drops fields a client older than the version that
// introduced them would not understand, so the wire payload stays
// compatible with every still-supported client build.
func TrimForVersion(rv domain.ResourceView, clientVersion string) domain.ResourceView {
	if clientVersion == "" {
		return rv
	}
	if versionLess(clientVersion, filtersSinceVersion) {
		rv.Filters = nil
	}
	if versionLess(clientVersion, ipStackSinceVersion) {
		rv.IPStack = ""
	}
	return rv
}

// versionLess compares two dotted-numeric version strings. Malformed
// segments compare as 0, erring on the side of trimming rather than
// crashing on an unparsable client-reported version.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av < bv
		}
	}
	return false
}
