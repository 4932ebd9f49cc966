// Package domain models weather-station telemetry and the rules that turn it
// into archive records.
//
// # Readings
//
// A station driver emits instantaneous readings ("loop packets") every few
// seconds. A reading is a timestamp plus a map of field name to value; a nil
// value means the sensor reported nothing for that field. Readings are never
// persisted; they only feed the accumulator of the interval they fall in.
//
// # Archive intervals
//
// Archive records summarize one fixed interval Δ (the archive interval,
// commonly 5 minutes). Interval boundaries are exact multiples of Δ counted
// from the Unix epoch, so a restarted process re-aligns to the same grid:
//
//	window  = [t0, t0+Δ)       t0 = greatest multiple of Δ not exceeding t
//	key     = t0+Δ             records are keyed by the interval END
//
// The window is half-open: a reading stamped exactly on a boundary belongs to
// the following interval. See [AlignDown].
//
// # Aggregation
//
// Each field is reduced with one rule, configured per station:
//
//	mean  continuous quantities (temperature, pressure, humidity)
//	sum   per-interval counters (rain bucket tips)
//	last  cumulative counters (day rain, lightning total)
//	max   extrema (wind gust)
//	min   extrema
//
// Fields without a configured rule use "last". Null values never contribute
// to any rule; a field that stays null all interval is archived as null.
//
// # Gaps
//
// An interval in which no reading arrived is still archived, with every
// configured field null and NoData set. Downstream consumers therefore see a
// gapless, strictly increasing sequence of keys.
package domain
