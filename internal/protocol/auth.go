// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"crypto/subtle"
	"fmt"
)

// VerbKey is the only verb accepted before a connection is authorized.
const VerbKey = "key"

// FormatKey renders the handshake line sent by the dialing side.
func FormatKey(name, key string) string {
	return Format(VerbKey, name, key)
}

// ParseKey extracts the peer name and presented key from a handshake request.
func ParseKey(req *Request) (name, key string, err error) {
	if req == nil || !req.Is(VerbKey) {
		return "", "", fmt.Errorf("%w: expected %q", ErrMalformed, VerbKey)
	}
	if name, err = req.NextString(); err != nil {
		return "", "", err
	}
	if key, err = req.NextString(); err != nil {
		return "", "", err
	}
	if err = req.End(); err != nil {
		return "", "", err
	}
	return name, key, nil
}

// KeyMatches compares a presented key against the shared secret in constant time.
func KeyMatches(presented, shared string) bool {
	if shared == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(shared)) == 1
}
