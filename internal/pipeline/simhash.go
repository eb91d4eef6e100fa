package pipeline

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// simHash computes a 64-bit fingerprint over token shingles of the text.
// Similar texts produce fingerprints with small Hamming distance.
func simHash(text string, shingleSize int) uint64 {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0
	}
	if shingleSize < 1 {
		shingleSize = 1
	}

	var votes [64]int
	emit := func(shingle string) {
		h := fnv.New64a()
		h.Write([]byte(shingle))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				votes[bit]++
			} else {
				votes[bit]--
			}
		}
	}

	if len(tokens) < shingleSize {
		emit(strings.Join(tokens, " "))
	} else {
		for i := 0; i+shingleSize <= len(tokens); i++ {
			emit(strings.Join(tokens[i:i+shingleSize], " "))
		}
	}

	var fp uint64
	for bit := 0; bit < 64; bit++ {
		if votes[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}

// hammingDistance counts differing bits between two fingerprints.
func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
