package codec

// NullCodec encodes every block to zero bytes and decodes to silence. It
// is always registered and serves as a valid sentinel codec (spec.md
// §4.8): "A null codec encodes to zero bytes and decodes to silence; it
// serves as a valid sentinel and is always available."
type NullCodec struct{}

func init() { Register(NullCodec{}) }

func (NullCodec) Name() string   { return "null" }
func (NullCodec) New() Instance  { return &nullInstance{} }

type nullInstance struct {
	format Format
}

func (n *nullInstance) Setup(format Format) error {
	n.format = format.Clone()
	return nil
}

func (n *nullInstance) Encode(samples []float32) ([]byte, error) {
	return nil, nil
}

func (n *nullInstance) Decode(payload []byte, out []float32) (int, error) {
	for i := range out {
		out[i] = 0
	}
	return len(out), nil
}

func (n *nullInstance) Control(ctl Control, value *int) (int, error) {
	return 0, ErrNotImplemented
}

func (n *nullInstance) Serialize(format Format) ([]byte, error) {
	return nil, nil
}

func (n *nullInstance) Deserialize(data []byte) (Format, error) {
	return Format{Name: "null"}, nil
}

func (n *nullInstance) Latency() int { return 0 }
func (n *nullInstance) Reset()       {}
