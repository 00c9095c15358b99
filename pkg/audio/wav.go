package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrNotWAV is returned by [ParseWAV] for data without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// WAVInfo describes the PCM stream inside a WAV file.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	// DataBytes is the size of the "data" chunk.
	DataBytes int
}

// Duration returns the playback length implied by the header.
func (w WAVInfo) Duration() time.Duration {
	bytesPerSecond := w.SampleRate * w.Channels * w.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(int64(w.DataBytes) * int64(time.Second) / int64(bytesPerSecond))
}

// ParseWAV walks the RIFF chunk list of data and returns the format of the
// first "fmt " chunk and the size of the "data" chunk. Only the header is
// inspected; samples are not validated.
func ParseWAV(data []byte) (WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, ErrNotWAV
	}

	var info WAVInfo
	var haveFmt, haveData bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return WAVInfo{}, fmt.Errorf("audio: truncated fmt chunk (%d bytes)", size)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			haveFmt = true
		case "data":
			// Streaming writers leave the size at 0 or 0xFFFFFFFF.
			if size == 0 || body+size > len(data) {
				size = len(data) - body
			}
			info.DataBytes = size
			haveData = true
		}

		if haveFmt && haveData {
			return info, nil
		}
		// Chunks are padded to an even length.
		pos = body + size + size%2
	}

	if !haveFmt {
		return WAVInfo{}, errors.New("audio: missing fmt chunk")
	}
	return WAVInfo{}, errors.New("audio: missing data chunk")
}

// PlaybackDuration returns the best known length of seg: the server-reported
// duration when present, otherwise the one derived from the WAV header.
func PlaybackDuration(seg *Segment) time.Duration {
	if seg.Duration > 0 {
		return seg.Duration
	}
	info, err := ParseWAV(seg.Data)
	if err != nil {
		return 0
	}
	return info.Duration()
}
