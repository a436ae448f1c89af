// Package eventframe decodes the packed 2-bit event stream of the DVS
// sensor and folds consecutive sub-frames into one displayable raster.
//
// Wire layout of a payload: 4 pixels per byte, 2 bits per pixel, the first
// pixel in the most significant bits. Pixel i lives in byte i/4 at bit
// offset (3-i%4)*2. Codes: 0 no event, 1 ON, 2 OFF, 3 reserved.
//
// The layout matches the order the acquisition hardware emits and must
// not be changed.
//
// Decode policies:
//
//	Initialize       none→128, ON→255, OFF→0 (full overwrite)
//	AccumulateMono   ON→255, OFF→0, none untouched (motion trails)
//	AccumulateColor  ON: ch0 -= step, ch2 += step; OFF: the reverse (clamped)
//
// The reserved code is a no-op under every policy.
package eventframe
