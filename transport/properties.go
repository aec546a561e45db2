package transport

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// PropertyValue is the portable form of a typed property
type PropertyValue struct {
	Type  string `json:"t"`
	Value string `json:"v"`
}

const (
	typeBool   = "bool"
	typeByte   = "byte"
	typeShort  = "short"
	typeInt    = "int"
	typeLong   = "long"
	typeFloat  = "float"
	typeDouble = "double"
	typeString = "string"
)

// EncodeValue converts one property value. Only bool, int8, int16, int32,
// int64, float32, float64 and string are accepted.
func EncodeValue(v any) (PropertyValue, error) {
	switch x := v.(type) {
	case bool:
		return PropertyValue{typeBool, strconv.FormatBool(x)}, nil
	case int8:
		return PropertyValue{typeByte, strconv.FormatInt(int64(x), 10)}, nil
	case int16:
		return PropertyValue{typeShort, strconv.FormatInt(int64(x), 10)}, nil
	case int32:
		return PropertyValue{typeInt, strconv.FormatInt(int64(x), 10)}, nil
	case int64:
		return PropertyValue{typeLong, strconv.FormatInt(x, 10)}, nil
	case float32:
		return PropertyValue{typeFloat, strconv.FormatUint(uint64(math.Float32bits(x)), 16)}, nil
	case float64:
		return PropertyValue{typeDouble, strconv.FormatUint(math.Float64bits(x), 16)}, nil
	case string:
		return PropertyValue{typeString, x}, nil
	}
	return PropertyValue{}, fmt.Errorf("unsupported property type %T", v)
}

// DecodeValue is the inverse of EncodeValue
func DecodeValue(p PropertyValue) (any, error) {
	switch p.Type {
	case typeBool:
		return strconv.ParseBool(p.Value)
	case typeByte:
		i, err := strconv.ParseInt(p.Value, 10, 8)
		return int8(i), err
	case typeShort:
		i, err := strconv.ParseInt(p.Value, 10, 16)
		return int16(i), err
	case typeInt:
		i, err := strconv.ParseInt(p.Value, 10, 32)
		return int32(i), err
	case typeLong:
		return strconv.ParseInt(p.Value, 10, 64)
	case typeFloat:
		bits, err := strconv.ParseUint(p.Value, 16, 32)
		return math.Float32frombits(uint32(bits)), err
	case typeDouble:
		bits, err := strconv.ParseUint(p.Value, 16, 64)
		return math.Float64frombits(bits), err
	case typeString:
		return p.Value, nil
	}
	return nil, fmt.Errorf("unknown property type %q", p.Type)
}

// EncodeProperties converts a property map to its portable form
func EncodeProperties(props map[string]any) (map[string]PropertyValue, error) {
	out := make(map[string]PropertyValue, len(props))
	for k, v := range props {
		pv, err := EncodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = pv
	}
	return out, nil
}

// DecodeProperties is the inverse of EncodeProperties
func DecodeProperties(in map[string]PropertyValue) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, pv := range in {
		v, err := DecodeValue(pv)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// MarshalProperties encodes a property map as JSON
func MarshalProperties(props map[string]any) ([]byte, error) {
	enc, err := EncodeProperties(props)
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

// UnmarshalProperties decodes JSON produced by MarshalProperties
func UnmarshalProperties(data []byte) (map[string]any, error) {
	var enc map[string]PropertyValue
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, err
	}
	return DecodeProperties(enc)
}
