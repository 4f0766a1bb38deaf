package upload

import (
	"bytes"
	"strings"
)

var (
	pngMagic = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	pdfMagic = []byte("%PDF-")
	pngIHDR  = []byte("IHDR")
	pngIEND  = []byte("IEND")
	pdfObj   = []byte("obj")
	pdfEOF   = []byte("%%EOF")
)

// structuralDefect runs cheap format sanity checks that reject obviously
// broken payloads before they reach the scorer. It returns a risk estimate
// and whether a defect was found.
func structuralDefect(filename, contentType string, content []byte) (float64, bool) {
	if bytes.HasPrefix(content, pngMagic) {
		if !bytes.Contains(content, pngIHDR) || !bytes.Contains(content, pngIEND) {
			return 0.9, true
		}
	}
	if bytes.HasPrefix(content, pdfMagic) {
		if !bytes.Contains(content, pdfObj) || !bytes.Contains(content, pdfEOF) {
			return 0.9, true
		}
	}

	if len(content) >= 16 {
		if uniformByteRatio(content) >= 0.9 {
			return 0.95, true
		}
		if nullRatio(content) >= 0.8 {
			return 0.95, true
		}
		if hasShortPeriod(content) {
			return 0.9, true
		}
	}

	if declaredText(filename, contentType) && printableRatio(content) < 0.85 {
		return 0.85, true
	}

	return 0, false
}

func declaredText(filename, contentType string) bool {
	if strings.HasPrefix(contentType, "text/") {
		return true
	}
	name := strings.ToLower(filename)
	return strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, ".md") ||
		strings.HasSuffix(name, ".csv")
}

// uniformByteRatio is the frequency of the most common byte value.
func uniformByteRatio(b []byte) float64 {
	var counts [256]int
	for _, c := range b {
		counts[c]++
	}
	max := 0
	for _, n := range counts {
		if n > max {
			max = n
		}
	}
	return float64(max) / float64(len(b))
}

func nullRatio(b []byte) float64 {
	n := 0
	for _, c := range b {
		if c == 0 {
			n++
		}
	}
	return float64(n) / float64(len(b))
}

// hasShortPeriod reports whether the payload is one short pattern repeated
// end to end, a shape real file formats never take.
func hasShortPeriod(b []byte) bool {
	for period := 2; period <= 16 && period*4 <= len(b); period++ {
		ok := true
		for i := period; i < len(b); i++ {
			if b[i] != b[i-period] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func printableRatio(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	n := 0
	for _, c := range b {
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			n++
		}
	}
	return float64(n) / float64(len(b))
}
