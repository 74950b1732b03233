package codec

import (
	"encoding/binary"

	opus "gopkg.in/hraban/opus.v2"
)

// opusMaxPacketBytes is RFC 6716's max Opus packet size, the same bound
// the teacher's client/audio.go uses for its encode scratch buffer.
const opusMaxPacketBytes = 1275

// OpusCodec wraps the teacher's own Opus binding (gopkg.in/hraban/opus.v2)
// behind the Codec vtable. Encode/Decode take float32 PCM, matching the
// engine's internal sample representation, and convert to/from Opus's
// native int16 the way client/audio.go's captureLoop/playbackLoop do.
type OpusCodec struct{}

func init() { Register(OpusCodec{}) }

func (OpusCodec) Name() string  { return "opus" }
func (OpusCodec) New() Instance { return &opusInstance{} }

type opusInstance struct {
	format  Format
	enc     *opus.Encoder
	dec     *opus.Decoder
	pcmI16  []int16 // scratch, sized to format.BlockSize*Channels
	bitrate int
}

func (o *opusInstance) Setup(format Format) error {
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return err
	}
	dec, err := opus.NewDecoder(format.SampleRate, format.Channels)
	if err != nil {
		return err
	}
	bitrate := 32000
	if format.Extra != nil {
		if b, ok := format.Extra["bitrate"]; ok && b > 0 {
			bitrate = b
		}
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return err
	}
	o.format = format.Clone()
	o.enc = enc
	o.dec = dec
	o.bitrate = bitrate
	o.pcmI16 = make([]int16, format.BlockSize*format.Channels)
	return nil
}

func (o *opusInstance) Encode(samples []float32) ([]byte, error) {
	n := len(samples)
	if n > len(o.pcmI16) {
		n = len(o.pcmI16)
	}
	for i := 0; i < n; i++ {
		o.pcmI16[i] = int16(clamp(samples[i]) * 32767)
	}
	buf := make([]byte, opusMaxPacketBytes)
	written, err := o.enc.Encode(o.pcmI16[:n], buf)
	if err != nil {
		return nil, err
	}
	return buf[:written], nil
}

func (o *opusInstance) Decode(payload []byte, out []float32) (int, error) {
	if cap(o.pcmI16) < len(out) {
		o.pcmI16 = make([]int16, len(out))
	}
	pcm := o.pcmI16[:len(out)]
	var (
		n   int
		err error
	)
	if payload == nil {
		// Packet loss concealment: a nil payload asks Opus to extrapolate.
		n, err = o.dec.Decode(nil, pcm)
	} else {
		n, err = o.dec.Decode(payload, pcm)
	}
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		out[i] = float32(pcm[i]) / 32768
	}
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return n, nil
}

func (o *opusInstance) Control(ctl Control, value *int) (int, error) {
	switch ctl {
	case CtlBitrate:
		if value != nil {
			if err := o.enc.SetBitrate(*value); err != nil {
				return 0, err
			}
			o.bitrate = *value
			return *value, nil
		}
		return o.bitrate, nil
	case CtlPacketLossPercent:
		if value != nil {
			if err := o.enc.SetPacketLossPerc(*value); err != nil {
				return 0, err
			}
			return *value, nil
		}
		return 0, ErrNotImplemented
	case CtlInBandFEC:
		if value != nil {
			if err := o.enc.SetInBandFEC(*value != 0); err != nil {
				return 0, err
			}
			return *value, nil
		}
		return 0, ErrNotImplemented
	case CtlDTX:
		if value != nil {
			if err := o.enc.SetDTX(*value != 0); err != nil {
				return 0, err
			}
			return *value, nil
		}
		return 0, ErrNotImplemented
	default:
		return 0, ErrNotImplemented
	}
}

// Serialize writes fixed-width sample rate, channel count, and block size,
// enough to rebuild a Format that Setup will accept. Extra (bitrate and
// other tuning) is not written, so Deserialize returns it unset.
func (o *opusInstance) Serialize(format Format) ([]byte, error) {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(format.SampleRate))
	binary.BigEndian.PutUint32(buf[4:8], uint32(format.Channels))
	binary.BigEndian.PutUint32(buf[8:12], uint32(format.BlockSize))
	return buf, nil
}

func (o *opusInstance) Deserialize(data []byte) (Format, error) {
	if len(data) < 12 {
		return Format{}, ErrNotImplemented
	}
	return Format{
		Name:       "opus",
		SampleRate: int(binary.BigEndian.Uint32(data[0:4])),
		Channels:   int(binary.BigEndian.Uint32(data[4:8])),
		BlockSize:  int(binary.BigEndian.Uint32(data[8:12])),
	}, nil
}

// Latency returns Opus's fixed algorithmic delay for the configured block
// size (one block, since AOO frames one block per Opus packet).
func (o *opusInstance) Latency() int {
	return o.format.BlockSize
}

func (o *opusInstance) Reset() {
	if o.format.SampleRate == 0 {
		return
	}
	_ = o.Setup(o.format)
}
