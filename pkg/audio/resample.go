// Package audio also provides two resamplers: a fixed linear resampler for
// the Ingress Demultiplexer, cheap enough to run per-frame at capture rate,
// and a windowed-sinc resampler of fixed quality for the TTS Transport &
// Audio Egress stage, where quality matters more than per-frame cost.
package audio

import "math"

// LinearResample converts mono int16 PCM from inRate to outRate using
// linear interpolation between neighboring samples. It is intentionally
// simple: the Ingress Demultiplexer runs it on every captured frame and
// needs to stay far under the VAD's per-window processing budget.
func LinearResample(pcm []int16, inRate, outRate int) []int16 {
	if inRate <= 0 || outRate <= 0 || len(pcm) == 0 || inRate == outRate {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}

	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(pcm)) * ratio))
	if outLen <= 0 {
		return nil
	}

	out := make([]int16, outLen)
	step := float64(inRate) / float64(outRate)
	for i := range out {
		srcPos := float64(i) * step
		idx := int(srcPos)
		frac := srcPos - float64(idx)

		var a, b int16
		a = pcm[clampIndex(idx, len(pcm))]
		b = pcm[clampIndex(idx+1, len(pcm))]

		out[i] = int16(float64(a) + (float64(b)-float64(a))*frac)
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// SincResampler is a windowed-sinc resampler of fixed quality, used by the
// TTS Transport & Audio Egress stage to convert the synthesis-native rate
// (e.g. 22050 Hz) to the publish rate (e.g. 48000 Hz for WebRTC) with much
// less aliasing than linear interpolation.
type SincResampler struct {
	halfWidth int
}

// NewSincResampler builds a resampler with a fixed Lanczos window half-width.
// A half-width of 8 is a reasonable quality/cost tradeoff for speech audio.
func NewSincResampler() *SincResampler {
	return &SincResampler{halfWidth: 8}
}

// Resample converts mono int16 PCM from inRate to outRate.
func (r *SincResampler) Resample(pcm []int16, inRate, outRate int) []int16 {
	if inRate <= 0 || outRate <= 0 || len(pcm) == 0 || inRate == outRate {
		out := make([]int16, len(pcm))
		copy(out, pcm)
		return out
	}

	ratio := float64(outRate) / float64(inRate)
	outLen := int(math.Round(float64(len(pcm)) * ratio))
	if outLen <= 0 {
		return nil
	}

	step := float64(inRate) / float64(outRate)
	out := make([]int16, outLen)

	for i := range out {
		center := float64(i) * step
		lo := int(math.Floor(center)) - r.halfWidth + 1
		hi := int(math.Floor(center)) + r.halfWidth

		var acc, weightSum float64
		for j := lo; j <= hi; j++ {
			x := center - float64(j)
			w := lanczos(x, float64(r.halfWidth))
			if w == 0 {
				continue
			}
			sample := float64(pcm[clampIndex(j, len(pcm))])
			acc += sample * w
			weightSum += w
		}
		if weightSum == 0 {
			out[i] = pcm[clampIndex(int(math.Round(center)), len(pcm))]
			continue
		}
		v := acc / weightSum
		out[i] = clampSample(v)
	}
	return out
}

func lanczos(x, a float64) float64 {
	if x == 0 {
		return 1
	}
	if x < -a || x > a {
		return 0
	}
	piX := math.Pi * x
	return a * math.Sin(piX) * math.Sin(piX/a) / (piX * piX)
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
