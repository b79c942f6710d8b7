package quark

// Multi-part key compile/decompile. Parts are joined so that lexicographic
// byte order of the encoding matches part-wise lexicographic order of the
// inputs: every 0x00 inside a part is escaped as 0x00 0x01, and parts are
// separated by 0x00 0x00.

// CompileKey encodes parts into a single comparable key.
func CompileKey(parts [][]byte) []byte {
	out := make([]byte, 0, 16)
	for i, part := range parts {
		if i > 0 {
			out = append(out, 0x00, 0x00)
		}
		for _, b := range part {
			if b == 0x00 {
				out = append(out, 0x00, 0x01)
			} else {
				out = append(out, b)
			}
		}
	}
	return out
}

// DecompileKey reverses CompileKey, requiring exactly nParts parts.
// A malformed escape sequence or a part count mismatch is an ErrINVAL.
func DecompileKey(key []byte, nParts int) ([][]byte, error) {
	parts := make([][]byte, 0, nParts)
	cur := make([]byte, 0, len(key))
	inEscape := false
	for i := 0; i < len(key); i++ {
		b := key[i]
		if !inEscape {
			if b == 0x00 {
				inEscape = true
				continue
			}
			cur = append(cur, b)
			continue
		}
		// inEscape
		switch b {
		case 0x00:
			parts = append(parts, cur)
			cur = make([]byte, 0, len(key)-i)
			inEscape = false
		case 0x01:
			cur = append(cur, 0x00)
			inEscape = false
		default:
			return nil, &ErrINVAL{Arg: "multi-part key: malformed escape at offset", Arg2: i}
		}
	}
	if inEscape {
		return nil, &ErrINVAL{Arg: "multi-part key: unterminated escape at offset", Arg2: len(key)}
	}
	parts = append(parts, cur)
	if len(parts) != nParts {
		return nil, &ErrINVAL{Arg: "multi-part key: part count (got, want)", Arg2: [2]int{len(parts), nParts}}
	}
	return parts, nil
}
