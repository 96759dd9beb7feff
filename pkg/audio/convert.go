// Package audio provides PCM format conversion for the voice pipeline.
//
// Everything operates on little-endian int16 PCM. Synthesis providers emit
// audio at their own native rates (ElevenLabs 24 kHz, Coqui 22.05 kHz) while
// the transports require 16 kHz (telephony) or 48 kHz (browser); telephony
// ingress may additionally arrive stereo or at a rate announced mid-call via
// AudioMetadata. Conversion is linear interpolation with int16 clamping.
package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16 returns a mono Format at the given rate.
func Mono16(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// FormatConverter normalises incoming PCM to a target format. It logs a
// warning on the first format mismatch and validates PCM data alignment.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts pcm from src to the target format. If src already matches
// the target, pcm is returned unchanged (zero allocation). Channel fold runs
// before resampling so only mono data is interpolated. Misaligned input
// (odd byte count for int16) is dropped with a one-time warning.
func (c *FormatConverter) Convert(pcm []byte, src Format) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: odd byte count in PCM data, dropping",
				"bytes", len(pcm),
				"sampleRate", src.SampleRate,
				"channels", src.Channels,
			)
		})
		return nil
	}

	if src.SampleRate == c.Target.SampleRate && src.Channels == c.Target.Channels {
		return pcm
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(src.SampleRate, src.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	if src.Channels == 2 && c.Target.Channels == 1 {
		pcm = StereoToMono(pcm)
	}
	if src.SampleRate != c.Target.SampleRate {
		pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
	}
	return pcm
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged. Output stays clamped to the int16
// range by construction (interpolation between two int16 values).
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
