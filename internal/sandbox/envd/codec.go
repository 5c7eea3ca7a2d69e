// Package envd holds the wire types of the envd daemon that runs inside every
// sandbox. envd speaks Connect RPC; these types follow the protobuf JSON
// mapping (lowerCamel fields, int64 as strings, bytes as base64, enums by
// name) so they can be exchanged with the JSON codec below.
package envd

import (
	"bytes"
	"strconv"

	"github.com/bytedance/sonic"
)

// Codec is a Connect codec that encodes messages as protobuf-compatible JSON.
// It registers under the "json" name so requests use application/json and
// application/connect+json content types.
type Codec struct{}

func (Codec) Name() string { return "json" }

func (Codec) Marshal(v any) ([]byte, error) { return sonic.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return sonic.Unmarshal(data, v) }

// Int64 accepts both the quoted form used by protobuf JSON and plain numbers.
type Int64 int64

func (n Int64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(n), 10))), nil
}

func (n *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*n = Int64(v)
	return nil
}

// KeepAlive is sent periodically on long-lived streams.
type KeepAlive struct{}
