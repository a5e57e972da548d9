package nodestore

// EncodeValue returns v unmodified; a value node's payload is the opaque
// byte string itself, with no further structure.
func EncodeValue(v []byte) []byte { return v }

// DecodeValue returns payload unmodified.
func DecodeValue(payload []byte) []byte { return payload }
