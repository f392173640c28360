package audio

import (
	"bytes"
	"encoding/binary"
)

const (
	wavFormatPCM       = 1
	wavChannelsMono    = 1
	wavBitsPerSample   = 16
	wavBytesPerSample  = wavBitsPerSample / 8
	wavFmtChunkSize    = 16
	wavHeaderOverhead  = 36 // RIFF chunk size minus the pcm: "WAVE" (4) + fmt chunk (24) + data chunk header (8)
)

// wavHeader holds the canonical 44-byte PCM WAV header fields for mono
// 16-bit audio, so NewWavBuffer can build and size the header in one place
// instead of interleaving magic numbers with the byte writes.
type wavHeader struct {
	sampleRate int
	dataLen    int
}

func (h wavHeader) byteRate() uint32 {
	return uint32(h.sampleRate * wavChannelsMono * wavBytesPerSample)
}

func (h wavHeader) blockAlign() uint16 {
	return uint16(wavChannelsMono * wavBytesPerSample)
}

func (h wavHeader) writeTo(buf *bytes.Buffer) {
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(wavHeaderOverhead+h.dataLen))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(wavFmtChunkSize))
	binary.Write(buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(buf, binary.LittleEndian, uint16(wavChannelsMono))
	binary.Write(buf, binary.LittleEndian, uint32(h.sampleRate))
	binary.Write(buf, binary.LittleEndian, h.byteRate())
	binary.Write(buf, binary.LittleEndian, h.blockAlign())
	binary.Write(buf, binary.LittleEndian, uint16(wavBitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(h.dataLen))
}

// NewWavBuffer wraps raw mono 16-bit little-endian PCM in a minimal WAV
// container, for the batch STT adapters whose HTTP APIs require a file
// upload rather than a raw PCM stream.
func NewWavBuffer(pcm []byte, sampleRate int) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(wavHeaderOverhead + 8 + len(pcm))

	h := wavHeader{sampleRate: sampleRate, dataLen: len(pcm)}
	h.writeTo(buf)
	buf.Write(pcm)

	return buf.Bytes()
}
