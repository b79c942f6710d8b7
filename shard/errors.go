package shard

import (
	"encoding/json"
	"fmt"
)

// A malformed frame or unknown opcode is fatal to the shard process
// (spec.md §6.5); both errors below terminate Server.Run.

type protocolError struct{ msg string }

func (e *protocolError) Error() string { return e.msg }

func errUnknownOpcode(code uint16) error {
	return &protocolError{fmt.Sprintf("shard: unknown opcode %d", code)}
}

func errDuplicateAfterFailedUpdate(mapName string) error {
	return &protocolError{fmt.Sprintf("shard: duplicate key found after a failed update on map %q, invariant violation", mapName)}
}

func jsonMarshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
