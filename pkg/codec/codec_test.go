package codec

import "testing"

func TestLookupBuiltins(t *testing.T) {
	for _, name := range []string{"null", "pcm16", "opus"} {
		if _, ok := Lookup(name); !ok {
			t.Fatalf("expected %q to be registered, got names %v", name, Names())
		}
	}
	if _, ok := Lookup("nonexistent"); ok {
		t.Fatal("expected unregistered codec lookup to fail")
	}
}

func TestFormatCloneDeepCopiesExtra(t *testing.T) {
	f := Format{Name: "opus", SampleRate: 48000, Channels: 1, BlockSize: 960, Extra: map[string]int{"bitrate": 32000}}
	c := f.Clone()
	c.Extra["bitrate"] = 64000
	if f.Extra["bitrate"] != 32000 {
		t.Fatalf("mutating clone's Extra affected original: %v", f.Extra)
	}
}

func TestNullCodecRoundTrip(t *testing.T) {
	c, ok := Lookup("null")
	if !ok {
		t.Fatal("null codec not registered")
	}
	inst := c.New()
	if err := inst.Setup(Format{Name: "null", SampleRate: 48000, Channels: 1, BlockSize: 4}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	data, err := inst.Encode([]float32{0.5, -0.5, 0.1, 0.9})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty payload from null codec, got %d bytes", len(data))
	}
	out := make([]float32, 4)
	for i := range out {
		out[i] = 99
	}
	n, err := inst.Decode(data, out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(out) {
		t.Fatalf("expected decode to fill %d samples, got %d", len(out), n)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("expected silence at index %d, got %v", i, v)
		}
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	c, ok := Lookup("pcm16")
	if !ok {
		t.Fatal("pcm16 codec not registered")
	}
	inst := c.New()
	if err := inst.Setup(Format{Name: "pcm16", SampleRate: 48000, Channels: 1, BlockSize: 3}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	in := []float32{0.5, -1, 1}
	data, err := inst.Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != len(in)*2 {
		t.Fatalf("expected %d bytes, got %d", len(in)*2, len(data))
	}
	out := make([]float32, len(in))
	n, err := inst.Decode(data, out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(in) {
		t.Fatalf("expected %d decoded samples, got %d", len(in), n)
	}
	for i := range in {
		diff := out[i] - in[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > 1e-3 {
			t.Fatalf("sample %d: expected ~%v, got %v", i, in[i], out[i])
		}
	}
}

func TestPCM16SerializeDeserializeRoundTrip(t *testing.T) {
	c, _ := Lookup("pcm16")
	inst := c.New()
	want := Format{Name: "pcm16", SampleRate: 44100, Channels: 2}
	data, err := inst.Serialize(want)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := inst.Deserialize(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if got.SampleRate != want.SampleRate || got.Channels != want.Channels {
		t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
	}
}

func TestClamp(t *testing.T) {
	cases := []struct {
		in, want float32
	}{
		{2, 1},
		{-2, -1},
		{0.3, 0.3},
	}
	for _, c := range cases {
		if got := clamp(c.in); got != c.want {
			t.Fatalf("clamp(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
