// Package codec converts typed property values to and from their stored
// byte representation. Each primitive type registers one normalize/encode/
// decode triple in a single lookup table; serialized layout is fixed by the
// declared type, never by the runtime shape of the value.
package codec

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	errs "github.com/fulcrumdata/entitystore/internal/errors"
	"github.com/fulcrumdata/entitystore/internal/model"
)

const dateLayout = "2006-01-02"

// typeCodec holds the three co-located operations for one primitive type.
type typeCodec struct {
	normalize func(any) (any, error)
	encode    func(any) ([]byte, error)
	decode    func([]byte) (any, error)
}

// Codec serializes property values by declared primitive type.
type Codec struct {
	table map[model.Primitive]typeCodec
}

// New builds a codec with all primitive types registered.
func New() *Codec {
	c := &Codec{table: make(map[model.Primitive]typeCodec)}

	c.table[model.PrimitiveBoolean] = typeCodec{
		normalize: normalizeBool,
		encode: func(v any) ([]byte, error) {
			if v.(bool) {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		decode: func(b []byte) (any, error) {
			if len(b) != 1 {
				return nil, fmt.Errorf("boolean buffer must be 1 byte, got %d", len(b))
			}
			return b[0] != 0, nil
		},
	}

	c.table[model.PrimitiveInt32] = typeCodec{
		normalize: normalizeInt32,
		encode: func(v any) ([]byte, error) {
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v.(int32)))
			return b, nil
		},
		decode: func(b []byte) (any, error) {
			if len(b) != 4 {
				return nil, fmt.Errorf("int32 buffer must be 4 bytes, got %d", len(b))
			}
			return int32(binary.BigEndian.Uint32(b)), nil
		},
	}

	c.table[model.PrimitiveInt64] = typeCodec{
		normalize: normalizeInt64,
		encode: func(v any) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(v.(int64)))
			return b, nil
		},
		decode: func(b []byte) (any, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("int64 buffer must be 8 bytes, got %d", len(b))
			}
			return int64(binary.BigEndian.Uint64(b)), nil
		},
	}

	c.table[model.PrimitiveDouble] = typeCodec{
		normalize: normalizeDouble,
		encode: func(v any) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, math.Float64bits(v.(float64)))
			return b, nil
		},
		decode: func(b []byte) (any, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("double buffer must be 8 bytes, got %d", len(b))
			}
			return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
		},
	}

	c.table[model.PrimitiveString] = typeCodec{
		normalize: func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", v)
			}
			return s, nil
		},
		encode: func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		decode: func(b []byte) (any, error) { return string(b), nil },
	}

	c.table[model.PrimitiveDate] = typeCodec{
		normalize: func(v any) (any, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("expected date string, got %T", v)
			}
			t, err := time.Parse(dateLayout, s)
			if err != nil {
				return nil, err
			}
			return t.Format(dateLayout), nil
		},
		encode: func(v any) ([]byte, error) { return []byte(v.(string)), nil },
		decode: func(b []byte) (any, error) { return string(b), nil },
	}

	c.table[model.PrimitiveDateTimeOffset] = typeCodec{
		normalize: normalizeDateTime,
		encode: func(v any) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, uint64(v.(time.Time).UnixMilli()))
			return b, nil
		},
		decode: func(b []byte) (any, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("timestamp buffer must be 8 bytes, got %d", len(b))
			}
			return time.UnixMilli(int64(binary.BigEndian.Uint64(b))).UTC(), nil
		},
	}

	c.table[model.PrimitiveGuid] = typeCodec{
		normalize: func(v any) (any, error) {
			switch t := v.(type) {
			case uuid.UUID:
				return t, nil
			case string:
				return uuid.Parse(t)
			default:
				return nil, fmt.Errorf("expected uuid, got %T", v)
			}
		},
		encode: func(v any) ([]byte, error) {
			u := v.(uuid.UUID)
			return u[:], nil
		},
		decode: func(b []byte) (any, error) {
			return uuid.FromBytes(b)
		},
	}

	c.table[model.PrimitiveBinary] = typeCodec{
		normalize: func(v any) (any, error) {
			switch t := v.(type) {
			case []byte:
				return t, nil
			case string:
				return base64.StdEncoding.DecodeString(t)
			default:
				return nil, fmt.Errorf("expected binary, got %T", v)
			}
		},
		encode: func(v any) ([]byte, error) { return v.([]byte), nil },
		decode: func(b []byte) (any, error) { return b, nil },
	}

	c.table[model.PrimitiveGeographyPoint] = typeCodec{
		normalize: normalizeGeoPoint,
		encode: func(v any) ([]byte, error) {
			p := v.(model.GeoPoint)
			b := make([]byte, 16)
			binary.BigEndian.PutUint64(b[:8], math.Float64bits(p.Latitude))
			binary.BigEndian.PutUint64(b[8:], math.Float64bits(p.Longitude))
			return b, nil
		},
		decode: func(b []byte) (any, error) {
			if len(b) != 16 {
				return nil, fmt.Errorf("geo point buffer must be 16 bytes, got %d", len(b))
			}
			return model.GeoPoint{
				Latitude:  math.Float64frombits(binary.BigEndian.Uint64(b[:8])),
				Longitude: math.Float64frombits(binary.BigEndian.Uint64(b[8:])),
			}, nil
		},
	}

	return c
}

// Normalize converts a caller-supplied value into the canonical in-memory
// representation for its declared type, failing with a format error when the
// value does not parse as that type.
func (c *Codec) Normalize(v any, t model.Primitive) (any, error) {
	tc, ok := c.table[t]
	if !ok {
		return normalizeGeneric(v)
	}
	nv, err := tc.normalize(v)
	if err != nil {
		return nil, errs.New(errs.CodeFormat, fmt.Sprintf("value does not parse as %s", t), err)
	}
	return nv, nil
}

// Serialize normalizes then encodes a value for storage.
func (c *Codec) Serialize(v any, t model.Primitive) ([]byte, error) {
	nv, err := c.Normalize(v, t)
	if err != nil {
		return nil, err
	}
	tc, ok := c.table[t]
	if !ok {
		// Unknown or complex types fall back to a generic JSON encoding.
		return json.Marshal(nv)
	}
	return tc.encode(nv)
}

// Deserialize decodes a stored buffer back to the canonical value for the
// declared type.
func (c *Codec) Deserialize(b []byte, t model.Primitive) (any, error) {
	tc, ok := c.table[t]
	if !ok {
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, errs.New(errs.CodeFormat, fmt.Sprintf("stored buffer does not decode as %s", t), err)
		}
		return v, nil
	}
	v, err := tc.decode(b)
	if err != nil {
		return nil, errs.New(errs.CodeFormat, fmt.Sprintf("stored buffer does not decode as %s", t), err)
	}
	return v, nil
}

// Hash computes the 16-byte value hash used in data keys. Identical
// serialized values hash identically, which makes re-inserts idempotent.
func Hash(serialized []byte) [16]byte {
	return md5.Sum(serialized)
}

func normalizeBool(v any) (any, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return strconv.ParseBool(t)
	default:
		return nil, fmt.Errorf("expected boolean, got %T", v)
	}
}

func normalizeInt64(v any) (any, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return nil, fmt.Errorf("value %v is not integral", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return nil, fmt.Errorf("expected int64, got %T", v)
	}
}

func normalizeInt32(v any) (any, error) {
	n, err := normalizeInt64(v)
	if err != nil {
		return nil, err
	}
	i := n.(int64)
	if i > math.MaxInt32 || i < math.MinInt32 {
		return nil, fmt.Errorf("value %d overflows int32", i)
	}
	return int32(i), nil
}

func normalizeDouble(v any) (any, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return nil, fmt.Errorf("expected double, got %T", v)
	}
}

func normalizeDateTime(v any) (any, error) {
	var t time.Time
	switch x := v.(type) {
	case time.Time:
		t = x
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return nil, err
		}
		t = parsed
	default:
		return nil, fmt.Errorf("expected timestamp, got %T", v)
	}
	// Canonical form is UTC at millisecond precision, matching the stored
	// epoch-millis encoding.
	return time.UnixMilli(t.UnixMilli()).UTC(), nil
}

func normalizeGeoPoint(v any) (any, error) {
	switch t := v.(type) {
	case model.GeoPoint:
		return t, nil
	case map[string]any:
		lat, latOK := toFloat(t["latitude"])
		lon, lonOK := toFloat(t["longitude"])
		if !latOK || !lonOK {
			return nil, fmt.Errorf("geo point map requires numeric latitude and longitude")
		}
		return model.GeoPoint{Latitude: lat, Longitude: lon}, nil
	case string:
		parts := strings.SplitN(t, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("geo point string must be \"lat,lon\"")
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, err
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, err
		}
		return model.GeoPoint{Latitude: lat, Longitude: lon}, nil
	default:
		return nil, fmt.Errorf("expected geo point, got %T", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalizeGeneric canonicalizes values of unknown types through a JSON
// round trip so normalization and deserialization agree.
func normalizeGeneric(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errs.New(errs.CodeFormat, "value is not JSON encodable", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errs.New(errs.CodeFormat, "value is not JSON decodable", err)
	}
	return out, nil
}
