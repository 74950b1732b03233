package codec

import (
	"encoding/binary"
)

// PCMCodec is the uncompressed reference codec: each sample is a
// little-endian int16, scaled from the engine's float32 [-1,1] range.
// There is nothing here a third-party library would improve on — it is
// literally encoding/binary plus a linear scale (see DESIGN.md).
type PCMCodec struct{}

func init() { Register(PCMCodec{}) }

func (PCMCodec) Name() string  { return "pcm16" }
func (PCMCodec) New() Instance { return &pcmInstance{} }

type pcmInstance struct {
	format Format
}

func (p *pcmInstance) Setup(format Format) error {
	p.format = format.Clone()
	return nil
}

func (p *pcmInstance) Encode(samples []float32) ([]byte, error) {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamp(s)*32767)))
	}
	return out, nil
}

func (p *pcmInstance) Decode(payload []byte, out []float32) (int, error) {
	n := len(payload) / 2
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(payload[i*2:]))
		out[i] = float32(v) / 32768
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n, nil
}

func (p *pcmInstance) Control(ctl Control, value *int) (int, error) {
	return 0, ErrNotImplemented
}

func (p *pcmInstance) Serialize(format Format) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(format.SampleRate))
	binary.BigEndian.PutUint32(buf[4:8], uint32(format.Channels))
	return buf, nil
}

func (p *pcmInstance) Deserialize(data []byte) (Format, error) {
	if len(data) < 8 {
		return Format{}, ErrNotImplemented
	}
	return Format{
		Name:       "pcm16",
		SampleRate: int(binary.BigEndian.Uint32(data[0:4])),
		Channels:   int(binary.BigEndian.Uint32(data[4:8])),
	}, nil
}

func (p *pcmInstance) Latency() int { return 0 }
func (p *pcmInstance) Reset()       {}

func clamp(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	if v != v { // NaN
		return 0
	}
	return v
}
