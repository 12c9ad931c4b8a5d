package pipeline

import (
	"math"
	"strconv"
	"strings"
)

// mapType translates an inferred type into a relational column type
// using the configured mapping. Unknown inferred types fall back to
// text.
func mapType(inferred string, mapping map[string]string) string {
	if t, ok := mapping[inferred]; ok {
		return t
	}
	return "text"
}

// refineSmartint resolves the smartint placeholder from the column's
// observed bounds: integer when both fit int32, bigint when both fit
// int64, numeric otherwise (including unparsable bounds).
func refineSmartint(min, max string) string {
	lo, err1 := strconv.ParseInt(strings.TrimSpace(min), 10, 64)
	hi, err2 := strconv.ParseInt(strings.TrimSpace(max), 10, 64)
	if err1 != nil || err2 != nil {
		return "numeric"
	}
	if lo >= math.MinInt32 && hi <= math.MaxInt32 {
		return "integer"
	}
	return "bigint"
}

// resolveType maps and refines one column's type. A data-dictionary
// override from a prior table wins over the fresh inference.
func resolveType(stats *FieldStats, mapping map[string]string, override string) string {
	if override != "" {
		return override
	}
	t := mapType(stats.InferredType, mapping)
	if t == "smartint" {
		return refineSmartint(stats.Min, stats.Max)
	}
	return t
}
