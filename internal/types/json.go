package types

import (
	"encoding/json"
	"unicode/utf8"
)

// kvWire is the JSON form of a KeyValue. encoding/json replaces invalid
// UTF-8 with U+FFFD, so such strings travel as base64 bytes instead.
type kvWire struct {
	Key      *string `json:"Key,omitempty"`
	KeyRaw   []byte  `json:"KeyRaw,omitempty"`
	Value    *string `json:"Value,omitempty"`
	ValueRaw []byte  `json:"ValueRaw,omitempty"`
}

func (kv KeyValue) MarshalJSON() ([]byte, error) {
	var w kvWire
	if utf8.ValidString(kv.Key) {
		w.Key = &kv.Key
	} else {
		w.KeyRaw = []byte(kv.Key)
	}
	if utf8.ValidString(kv.Value) {
		w.Value = &kv.Value
	} else {
		w.ValueRaw = []byte(kv.Value)
	}
	return json.Marshal(w)
}

func (kv *KeyValue) UnmarshalJSON(data []byte) error {
	var w kvWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*kv = KeyValue{}
	switch {
	case w.KeyRaw != nil:
		kv.Key = string(w.KeyRaw)
	case w.Key != nil:
		kv.Key = *w.Key
	}
	switch {
	case w.ValueRaw != nil:
		kv.Value = string(w.ValueRaw)
	case w.Value != nil:
		kv.Value = *w.Value
	}
	return nil
}
