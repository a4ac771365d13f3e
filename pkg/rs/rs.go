package rs

import "fmt"

// FECError is returned for malformed frames or uncorrectable blocks
// (spec.md §4.1, §7 IntegrityError).
type FECError struct {
	Reason string
}

func (e *FECError) Error() string { return "rs: " + e.Reason }

func fecErrorf(format string, args ...any) *FECError {
	return &FECError{Reason: fmt.Sprintf(format, args...)}
}

// MaxBlockPayload is the largest data size (in bytes) a single block can
// carry for a given ECC symbol count k, since data+parity must fit in 255
// GF(256) symbols.
func MaxBlockPayload(k int) int { return 255 - k }

func rsGeneratorPoly(nsym int) []byte {
	g := []byte{1}
	for i := 0; i < nsym; i++ {
		g = gfPolyMul(g, []byte{1, gfPow(2, i)})
	}
	return g
}

// encodeBlock systematically encodes a single block of at most 255-k bytes,
// returning data||parity.
func encodeBlock(data []byte, k int) []byte {
	gen := rsGeneratorPoly(k)
	out := make([]byte, len(data)+k)
	copy(out, data)
	for i := 0; i < len(data); i++ {
		coef := out[i]
		if coef == 0 {
			continue
		}
		for j := 0; j < len(gen); j++ {
			out[i+j] ^= gfMul(gen[j], coef)
		}
	}
	copy(out, data)
	return out
}

// calcSyndromes returns a length-(nsym+1) slice with synd[0]=0 and
// synd[i] = block evaluated at alpha^(i-1) for i in [1,nsym].
func calcSyndromes(block []byte, nsym int) []byte {
	synd := make([]byte, nsym+1)
	for i := 0; i < nsym; i++ {
		synd[i+1] = gfPolyEval(block, gfPow(2, i))
	}
	return synd
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// findErrorLocator runs Berlekamp-Massey over the syndromes to find the
// error-locator polynomial sigma.
func findErrorLocator(synd []byte, nsym int) ([]byte, error) {
	errLoc := []byte{1}
	oldLoc := []byte{1}

	syndShift := 0
	if len(synd) > nsym {
		syndShift = len(synd) - nsym
	}

	for i := 0; i < nsym; i++ {
		k := i + syndShift
		delta := synd[k]
		for j := 1; j < len(errLoc); j++ {
			delta ^= gfMul(errLoc[len(errLoc)-1-j], synd[k-j])
		}
		oldLoc = append(oldLoc, 0)
		if delta != 0 {
			if len(oldLoc) > len(errLoc) {
				newLoc := gfPolyScale(oldLoc, delta)
				oldLoc = gfPolyScale(errLoc, gfInverse(delta))
				errLoc = newLoc
			}
			errLoc = gfPolyAdd(errLoc, gfPolyScale(oldLoc, delta))
		}
	}

	// Strip leading zero coefficients.
	start := 0
	for start < len(errLoc)-1 && errLoc[start] == 0 {
		start++
	}
	errLoc = errLoc[start:]

	errs := len(errLoc) - 1
	if errs*2 > nsym {
		return nil, fecErrorf("too many errors to correct")
	}
	return errLoc, nil
}

// findErrors runs a Chien search over all symbol positions of a
// nmess-length block for roots of errLoc, using the convention that symbol
// j corresponds to evaluating sigma at alpha^-j (spec.md §4.1).
func findErrors(errLoc []byte, nmess int) ([]int, error) {
	errs := len(errLoc) - 1
	var errPos []int
	for i := 0; i < nmess; i++ {
		if gfPolyEval(errLoc, gfPow(2, -i)) == 0 {
			errPos = append(errPos, nmess-1-i)
		}
	}
	if len(errPos) != errs {
		return nil, fecErrorf("chien search found %d roots, expected %d", len(errPos), errs)
	}
	return errPos, nil
}

func findErrataLocator(errPos []int) []byte {
	loc := []byte{1}
	for _, p := range errPos {
		term := gfPolyAdd([]byte{1}, []byte{gfPow(2, p), 0})
		loc = gfPolyMul(loc, term)
	}
	return loc
}

func reverseBytes(b []byte) []byte {
	r := make([]byte, len(b))
	for i := range b {
		r[i] = b[len(b)-1-i]
	}
	return r
}

func findErrorEvaluator(synd, errLoc []byte, nsym int) []byte {
	divisor := make([]byte, nsym+2)
	divisor[0] = 1
	_, remainder := gfPolyDiv(gfPolyMul(synd, errLoc), divisor)
	return remainder
}

// correctErrata applies the Forney algorithm to recover error magnitudes at
// the positions found by Chien search and patches block in place.
func correctErrata(block, synd []byte, errPos []int) ([]byte, error) {
	coefPos := make([]int, len(errPos))
	for i, p := range errPos {
		coefPos[i] = len(block) - 1 - p
	}
	errLoc := findErrataLocator(coefPos)
	errEval := findErrorEvaluator(reverseBytes(synd), errLoc, len(errLoc)-1)

	x := make([]byte, len(coefPos))
	for i, cp := range coefPos {
		x[i] = gfPow(2, cp)
	}

	out := append([]byte(nil), block...)
	for i, xi := range x {
		xiInv := gfInverse(xi)

		var errLocPrime byte = 1
		for j, xj := range x {
			if j == i {
				continue
			}
			errLocPrime = gfMul(errLocPrime, 1^gfMul(xiInv, xj))
		}
		if errLocPrime == 0 {
			return nil, fecErrorf("could not find error magnitude")
		}

		y := gfPolyEval(errEval, xiInv)
		y = gfMul(xi, y)
		magnitude := gfDiv(y, errLocPrime)
		out[errPos[i]] ^= magnitude
	}
	return out, nil
}

// decodeBlock decodes one data||parity block encoded with k ECC symbols,
// correcting up to floor(k/2) byte errors.
func decodeBlock(block []byte, k int) ([]byte, error) {
	if len(block) < k {
		return nil, fecErrorf("block too short for %d ECC symbols", k)
	}

	synd := calcSyndromes(block, k)
	if allZero(synd) {
		return append([]byte(nil), block[:len(block)-k]...), nil
	}

	errLoc, err := findErrorLocator(synd, k)
	if err != nil {
		return nil, err
	}
	errPos, err := findErrors(errLoc, len(block))
	if err != nil {
		return nil, err
	}
	corrected, err := correctErrata(block, synd, errPos)
	if err != nil {
		return nil, err
	}

	verify := calcSyndromes(corrected, k)
	if !allZero(verify) {
		return nil, fecErrorf("block unrecoverable after correction")
	}
	return corrected[:len(corrected)-k], nil
}

// Encode forward-error-corrects payload using k ECC symbols per block,
// splitting payload across as many blocks as necessary (spec.md §4.1).
// k must be in [1,254].
func Encode(payload []byte, k int) ([]byte, error) {
	if k < 1 || k > 254 {
		return nil, fecErrorf("ecc count %d out of range [1,254]", k)
	}
	blockCap := MaxBlockPayload(k)

	var blocks [][]byte
	if len(payload) == 0 {
		blocks = [][]byte{{}}
	}
	for off := 0; off < len(payload); off += blockCap {
		end := off + blockCap
		if end > len(payload) {
			end = len(payload)
		}
		blocks = append(blocks, payload[off:end])
	}

	if len(blocks) > 0xFFFF {
		return nil, fecErrorf("payload requires %d blocks, exceeds 65535", len(blocks))
	}

	out := make([]byte, 0, 2+len(blocks)*(1+blockCap+k))
	out = append(out, byte(len(blocks)>>8), byte(len(blocks)))
	for _, b := range blocks {
		out = append(out, byte(len(b)))
		out = append(out, encodeBlock(b, k)...)
	}
	return out, nil
}

// Decode reverses Encode, correcting up to floor(k/2) byte errors per
// block and failing with a FECError on malformed framing or uncorrectable
// blocks (spec.md §4.1).
func Decode(frame []byte, k int) ([]byte, error) {
	if k < 1 || k > 254 {
		return nil, fecErrorf("ecc count %d out of range [1,254]", k)
	}
	if len(frame) < 2 {
		return nil, fecErrorf("truncated frame: missing block count")
	}

	blockCount := int(frame[0])<<8 | int(frame[1])
	pos := 2

	out := make([]byte, 0, len(frame))
	for i := 0; i < blockCount; i++ {
		if pos >= len(frame) {
			return nil, fecErrorf("truncated frame: missing length byte for block %d", i)
		}
		dataLen := int(frame[pos])
		pos++

		blockLen := dataLen + k
		if pos+blockLen > len(frame) {
			return nil, fecErrorf("truncated frame: block %d needs %d bytes", i, blockLen)
		}
		block := frame[pos : pos+blockLen]
		pos += blockLen

		decoded, err := decodeBlock(block, k)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded...)
	}

	if pos != len(frame) {
		return nil, fecErrorf("trailing data after declared %d blocks", blockCount)
	}
	return out, nil
}
