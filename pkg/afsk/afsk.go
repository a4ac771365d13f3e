// Package afsk implements an Audio Frequency-Shift Keying modulator and
// demodulator over UART-framed bytes (spec.md §4.2).
package afsk

import (
	"fmt"
	"math"
)

// Params parameterizes one AFSK tone/baud/sample-rate combination.
type Params struct {
	F0         float64 // mark/space low tone in Hz
	F1         float64 // mark/space high tone in Hz
	SampleRate int
	Baud       int
	Channels   int
}

// Audible is the default audible parameter set (1200/2400 Hz, 44.1 kHz, 300 baud).
var Audible = Params{F0: 1200, F1: 2400, SampleRate: 44100, Baud: 300, Channels: 1}

// Ultrasonic is the ultrasonic parameter set (18k/20k Hz, 48 kHz, 150 baud).
var Ultrasonic = Params{F0: 18000, F1: 20000, SampleRate: 48000, Baud: 150, Channels: 1}

// SamplesPerBit returns floor(sampleRate/baud).
func (p Params) SamplesPerBit() int {
	return p.SampleRate / p.Baud
}

const (
	preambleMarkBits = 16
	trailerMarkBits  = 8
	amplitudeScale   = 0.75 * 32767
)

// ModulationError reports a malformed modulation parameter.
type ModulationError struct{ Reason string }

func (e *ModulationError) Error() string { return "afsk: " + e.Reason }

// Modulate encodes payload bytes as continuous-phase two-tone FSK samples.
// Each byte is framed as [start=0][MSB..LSB][stop=1], preceded by a
// preamble of mark bits and followed by a trailer of mark bits.
func Modulate(payload []byte, p Params) ([]int16, error) {
	if p.SampleRate <= 0 || p.Baud <= 0 {
		return nil, &ModulationError{Reason: "sample rate and baud must be positive"}
	}
	samplesPerBit := p.SamplesPerBit()
	if samplesPerBit < 1 {
		return nil, &ModulationError{Reason: "sample rate too low for baud"}
	}

	var bits []bool
	for i := 0; i < preambleMarkBits; i++ {
		bits = append(bits, true)
	}
	for _, b := range payload {
		bits = append(bits, false) // start bit
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>uint(i))&1 == 1)
		}
		bits = append(bits, true) // stop bit
	}
	for i := 0; i < trailerMarkBits; i++ {
		bits = append(bits, true)
	}

	samples := make([]int16, 0, len(bits)*samplesPerBit)
	phase := 0.0
	for _, bit := range bits {
		freq := p.F0
		if bit {
			freq = p.F1
		}
		step := 2 * math.Pi * freq / float64(p.SampleRate)
		for i := 0; i < samplesPerBit; i++ {
			samples = append(samples, int16(amplitudeScale*math.Sin(phase)))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
	}
	return samples, nil
}

// goertzelPower computes the Goertzel power of samples at freq for the
// given sample rate.
func goertzelPower(samples []int16, freq float64, sampleRate int) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	k := int(0.5 + float64(n)*freq/float64(sampleRate))
	omega := 2 * math.Pi * float64(k) / float64(n)
	coeff := 2 * math.Cos(omega)

	var s0, s1, s2 float64
	for _, sample := range samples {
		s0 = coeff*s1 - s2 + float64(sample)
		s2 = s1
		s1 = s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

// DemodulationError reports a framing failure during demodulation.
type DemodulationError struct{ Reason string }

func (e *DemodulationError) Error() string { return "afsk: " + e.Reason }

func demodErrorf(format string, args ...any) *DemodulationError {
	return &DemodulationError{Reason: fmt.Sprintf(format, args...)}
}

// bitAt classifies the bit (0 or 1) in the window [start, start+samplesPerBit)
// by comparing Goertzel power at F1 (mark) vs F0 (space).
func bitAt(samples []int16, start, samplesPerBit int, p Params) (bool, bool) {
	if start+samplesPerBit > len(samples) {
		return false, false
	}
	window := samples[start : start+samplesPerBit]
	p0 := goertzelPower(window, p.F0, p.SampleRate)
	p1 := goertzelPower(window, p.F1, p.SampleRate)
	return p1 > p0, true
}

// Demodulate recovers bytes from AFSK samples, skipping leading mark bits
// to locate the first start bit, then reading successive 10-bit frames and
// dropping any whose stop bit is not 1.
func Demodulate(samples []int16, p Params) ([]byte, error) {
	samplesPerBit := p.SamplesPerBit()
	if samplesPerBit < 1 {
		return nil, demodErrorf("sample rate too low for baud")
	}

	pos := 0
	// Skip leading mark (1) bits to find the first start bit (a 0).
	for {
		bit, ok := bitAt(samples, pos, samplesPerBit, p)
		if !ok {
			return nil, demodErrorf("no start bit found before end of samples")
		}
		if !bit {
			break
		}
		pos += samplesPerBit
	}

	var out []byte
	for {
		start, ok := bitAt(samples, pos, samplesPerBit, p)
		if !ok {
			break
		}
		if start {
			// Ran into trailing mark bits: done.
			break
		}

		frameStart := pos
		pos += samplesPerBit

		var b byte
		complete := true
		for i := 0; i < 8; i++ {
			bit, ok := bitAt(samples, pos, samplesPerBit, p)
			if !ok {
				complete = false
				break
			}
			b <<= 1
			if bit {
				b |= 1
			}
			pos += samplesPerBit
		}
		if !complete {
			break
		}

		stop, ok := bitAt(samples, pos, samplesPerBit, p)
		if !ok {
			break
		}
		pos += samplesPerBit
		if !stop {
			// Drop misframed byte, but keep trying from the next bit boundary.
			pos = frameStart + samplesPerBit
			continue
		}

		out = append(out, b)
	}

	return out, nil
}
