// Package sca holds small side-channel analysis helpers shared by the
// simulated leakage model and offline trace analysis.
package sca

import "fmt"

// popcount is a byte lookup table; trace analysis calls these in tight loops
// over millions of samples.
var popcount [256]uint8

func init() {
	for i := range popcount {
		v, cnt := i, uint8(0)
		for v != 0 {
			cnt += uint8(v & 1)
			v >>= 1
		}
		popcount[i] = cnt
	}
}

// HammingWeight returns the number of set bits in v.
func HammingWeight(v uint64) int {
	cnt := 0
	for v != 0 {
		cnt += int(popcount[v&0xff])
		v >>= 8
	}
	return cnt
}

// HammingWeightByte returns the number of set bits in b.
func HammingWeightByte(b byte) int { return int(popcount[b]) }

// HammingWeightBytes returns the total number of set bits in p.
func HammingWeightBytes(p []byte) int {
	cnt := 0
	for _, b := range p {
		cnt += int(popcount[b])
	}
	return cnt
}

// HammingDistance returns the number of differing bits between a and b.
func HammingDistance(a, b uint64) int { return HammingWeight(a ^ b) }

// HammingDistanceBytes returns the number of differing bits between two
// equal-length byte strings.
func HammingDistanceBytes(a, b []byte) (int, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("hamming distance over unequal lengths %d and %d", len(a), len(b))
	}
	cnt := 0
	for i := range a {
		cnt += int(popcount[a[i]^b[i]])
	}
	return cnt, nil
}
