package repository

import (
	"bytes"
	"encoding/json"
)

var jsonNull = []byte("null")

// marshalNullable encodes v as JSON, mapping nil values to SQL NULL.
func marshalNullable(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(data, jsonNull) {
		return nil, nil
	}
	return data, nil
}

// unmarshalNullable decodes a nullable JSON column into v, leaving v untouched on NULL.
func unmarshalNullable(data []byte, v interface{}) error {
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func nonNilInts(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
