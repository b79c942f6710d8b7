package quark

import "github.com/golang/snappy"

// compressValue and decompressValue wrap the teacher's snappy-go call sites
// verbatim (Encode/Decode), gated per map by flagCompress so callers that
// never opt in pay nothing.
func compressValue(v []byte) []byte {
	return snappy.Encode(nil, v)
}

func decompressValue(v []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, v)
	if err != nil {
		return nil, &ErrILSEQ{Type: ErrKeyCodec, More: err}
	}
	return out, nil
}
