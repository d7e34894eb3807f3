package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownGlobalKeys are the valid flat top-level keys in the config file.
// These correspond to fields in the embedded sub-config structs.
var knownGlobalKeys = map[string]bool{
	// Logging settings
	"log_level": true, "log_format": true,
	// Network settings
	"connect_timeout": true, "data_timeout": true, "user_agent": true,
	// Transfer settings
	"chunk_size": true, "parallel_uploads": true, "max_attempts": true,
	"bandwidth_limit": true,
	// Backend sections
	"backend": true,
}

// knownGlobalKeysList is the sorted slice form of knownGlobalKeys for
// Levenshtein matching. Sorted for deterministic suggestions when two
// candidates have the same edit distance.
var knownGlobalKeysList = sortedKeys(knownGlobalKeys)

// knownBackendKeys are the valid keys inside a [backend.<name>] section.
var knownBackendKeys = map[string]bool{
	"kind": true, "base_url": true,
	"token_url": true, "refresh_url": true, "client_id": true, "client_secret": true,
	"scopes": true, "access_token": true, "refresh_token": true, "token_file": true,
	"chunk_size": true, "dedup": true, "proxy_required": true,
	"signing": true, "app_key": true, "app_secret": true, "rsa_public_key": true,
	"access_key": true, "secret_key": true, "region": true, "bucket": true,
	"abort_incomplete": true,
}

var knownBackendKeysList = sortedKeys(knownBackendKeys)

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		if len(key) >= 3 && key[0] == "backend" {
			errs = append(errs, buildBackendKeyError(key[1], key[2]))

			continue
		}

		if len(key) == 2 && key[0] == "backend" {
			// A bare value under [backend] instead of a named section.
			errs = append(errs, fmt.Errorf("backend %q must be a [backend.%s] section", key[1], key[1]))

			continue
		}

		errs = append(errs, buildGlobalKeyError(key[0]))
	}

	return errors.Join(errs...)
}

// buildGlobalKeyError creates a descriptive error for an unknown top-level
// key, suggesting the closest known key when one is near.
func buildGlobalKeyError(fieldName string) error {
	suggestion := closestMatch(fieldName, knownGlobalKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown config key %q, did you mean %q?", fieldName, suggestion)
	}

	return fmt.Errorf("unknown config key %q", fieldName)
}

// buildBackendKeyError reports an unknown key inside a backend section.
func buildBackendKeyError(backend, key string) error {
	suggestion := closestMatch(key, knownBackendKeysList)
	if suggestion != "" {
		return fmt.Errorf("unknown key %q in [backend.%s], did you mean %q?", key, backend, suggestion)
	}

	return fmt.Errorf("unknown key %q in [backend.%s]", key, backend)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
