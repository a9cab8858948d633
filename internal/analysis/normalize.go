// Package analysis holds the pure domain logic of a collection run: country
// normalization, sampling, and label/country aggregation. Nothing in here
// touches the network or the job store.
package analysis

import "strings"

// Bucket sentinels. Unknown means the country could not be determined for an
// item; Unmapped means the upstream value names a region rather than a country.
const (
	BucketUnknown  = "Unknown"
	BucketUnmapped = "Unmapped"
)

// countryMappings folds variant spellings into one canonical bucket. Matches
// are exact and case-sensitive against the trimmed input.
var countryMappings = map[string]string{
	"UK":             "GB",
	"U.K.":           "GB",
	"United Kingdom": "GB",
	"USA":            "US",
	"U.S.A.":         "US",
	"United States":  "US",
	"Europe":         BucketUnmapped,
	"Worldwide":      BucketUnmapped,
}

// NormalizeCountry maps a raw Discogs country string to an aggregation bucket.
// Unrecognized values pass through trimmed: the aggregation treats any string
// as a valid key, so an unlisted country is not an error.
func NormalizeCountry(raw string) string {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return BucketUnknown
	}
	if mapped, ok := countryMappings[clean]; ok {
		return mapped
	}
	return clean
}
