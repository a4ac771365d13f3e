// Package rs implements a GF(2^8) Reed-Solomon forward error correction
// codec (spec.md §4.1): block-wise systematic encoding, syndrome
// computation, Berlekamp-Massey error location, Chien search, and Forney
// error-magnitude correction.
package rs

// primPoly is the GF(2^8) primitive polynomial x^8+x^4+x^3+x^2+1 (0x11D).
const primPoly = 0x11D

var (
	gfExp [512]byte
	gfLog [256]byte
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = byte(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= primPoly
		}
	}
	for i := 255; i < 512; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[(int(gfLog[a])+int(gfLog[b]))%255]
}

func gfDiv(a, b byte) byte {
	if b == 0 {
		panic("rs: division by zero in GF(256)")
	}
	if a == 0 {
		return 0
	}
	return gfExp[(int(gfLog[a])+255-int(gfLog[b]))%255]
}

// gfPow returns x^power in GF(256), with power allowed to be negative.
func gfPow(x byte, power int) byte {
	p := (int(gfLog[x])*power)%255 + 255
	p %= 255
	return gfExp[p]
}

func gfInverse(x byte) byte {
	return gfExp[255-int(gfLog[x])]
}

func gfPolyScale(p []byte, x byte) []byte {
	r := make([]byte, len(p))
	for i := range p {
		r[i] = gfMul(p[i], x)
	}
	return r
}

// gfPolyAdd adds (XORs) two polynomials given highest-degree-first.
func gfPolyAdd(p, q []byte) []byte {
	n := len(p)
	if len(q) > n {
		n = len(q)
	}
	r := make([]byte, n)
	copy(r[n-len(p):], p)
	for i := range q {
		r[i+n-len(q)] ^= q[i]
	}
	return r
}

func gfPolyMul(p, q []byte) []byte {
	r := make([]byte, len(p)+len(q)-1)
	for j := range q {
		if q[j] == 0 {
			continue
		}
		for i := range p {
			r[i+j] ^= gfMul(p[i], q[j])
		}
	}
	return r
}

func gfPolyEval(poly []byte, x byte) byte {
	y := poly[0]
	for i := 1; i < len(poly); i++ {
		y = gfMul(y, x) ^ poly[i]
	}
	return y
}

// gfPolyDiv performs polynomial long division in GF(256), highest degree
// coefficient first, returning quotient and remainder.
func gfPolyDiv(dividend, divisor []byte) (quotient, remainder []byte) {
	msg := append([]byte(nil), dividend...)
	for i := 0; i <= len(dividend)-len(divisor); i++ {
		coef := msg[i]
		if coef == 0 {
			continue
		}
		for j := 1; j < len(divisor); j++ {
			if divisor[j] != 0 {
				msg[i+j] ^= gfMul(divisor[j], coef)
			}
		}
	}
	sep := len(msg) - (len(divisor) - 1)
	if sep < 0 {
		sep = 0
	}
	return msg[:sep], msg[sep:]
}
