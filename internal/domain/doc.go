// Package domain models lightning detections reported by an AS3935-class
// sensor and the ring histograms derived from them.
//
// # Sensor Conventions
//
// Interrupt reasons (register 0x03, low nibble):
//
//	0x01  noise level too high     -> raise the noise floor
//	0x04  disturber detected       -> mask further disturbers
//	0x08  lightning detected       -> read energy and distance
//	0x00  nothing latched (poll tick with no event)
//
// Distance codes:
//
//	The sensor does not report a continuous distance. It reports one of
//	16 estimates, in km, to the leading edge of the storm:
//
//	  1                     storm overhead
//	  5 6 8 10 12 14 17
//	  20 24 27 31 34 37 40  banded estimates
//	  63                    out of range
//
//	A driver that could not read a distance reports no reading, which is
//	treated the same as 63.
//
// Energy:
//
//	A unitless 21-bit magnitude. It is only meaningful relative to other
//	readings from the same sensor, so rings report a truncated integer mean.
//
// # Rings
//
// Strikes are binned into ring_count+1 rings. Ring 0 covers 0-5 km
// (overhead). Rings 1..N split [5, 40) km into N equal bands. A distance code
// falls into the ring with the greatest lower bound not exceeding it, see
// [Calibration.RingIndexFor]. Out-of-range strikes are tallied separately.
//
// Display bounds are reported in km or miles (0.621371 mi/km), rounded to one
// decimal. Each ring's upper display bound is pulled in by one tenth of the
// display unit so adjacent rings do not overlap; the outermost ring ends at
// exactly 40 km.
//
// # Timestamps
//
// Payload timestamps are RFC 3339 at second precision in the daemon's
// local zone.
package domain
