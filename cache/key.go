package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Key fingerprints a step invocation. Two invocations share a key only when
// the template, version, step, organization and canonical input all match,
// so entries never cross organizations or template versions.
func Key(templateName string, version int, stepID, orgID string, input []byte) (string, error) {
	canon, err := Canonicalize(input)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, part := range [][]byte{
		[]byte(templateName),
		[]byte(strconv.Itoa(version)),
		[]byte(stepID),
		[]byte(orgID),
		canon,
	} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize re-encodes a JSON document with sorted object keys and no
// insignificant whitespace. Numbers keep their literal text. Empty input
// canonicalises to null.
func Canonicalize(input []byte) ([]byte, error) {
	if len(bytes.TrimSpace(input)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("tenantflow/cache: canonicalize input: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("tenantflow/cache: canonicalize input: trailing data")
	}
	return json.Marshal(v)
}
