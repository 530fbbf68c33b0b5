package directory

// breakerTrip reports whether a sync that would leave keepCount of
// previousCount identities (or groups) in place should be aborted.
//
// Skipped entirely on a provider's first sync (firstSync true): there is
// nothing to compare a wholesale import against. Otherwise aborts when the
// fraction removed, (previousCount-keepCount)/previousCount, is at least
// maxDeletionRatio. At the default ratio of 1.0 that means only a sync
// removing the complete previous set (keepCount == 0 while previousCount
// > 0) trips; a partial shrink does not.
func breakerTrip(firstSync bool, previousCount, keepCount int, maxDeletionRatio float64) bool {
	if firstSync || previousCount == 0 {
		return false
	}
	removed := previousCount - keepCount
	if removed <= 0 {
		return false
	}
	return float64(removed)/float64(previousCount) >= maxDeletionRatio
}
