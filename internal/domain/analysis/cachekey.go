package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// GenerateCacheKey derives the deterministic cache key for analyzing the
// observable with the module type. The key covers the observable identity
// (type, value, time), the module name and version, and the extended
// version with entry order normalized away. It is empty when the module is
// uncacheable (nil CacheTTL) or either input is missing.
func GenerateCacheKey(o *Observable, amt *AnalysisModuleType) string {
	if o == nil || amt == nil || amt.CacheTTL == nil {
		return ""
	}

	eventTime := ""
	if o.Time != nil {
		eventTime = o.Time.UTC().Format(time.RFC3339Nano)
	}

	extended := append([]string(nil), amt.ExtendedVersion...)
	sort.Strings(extended)

	parts := []string{o.Type, o.Value, eventTime, amt.Name, amt.Version}
	parts = append(parts, extended...)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}
