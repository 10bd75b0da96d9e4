package model

// Primitive tags the logical datatype of a property as declared in the
// schema. Serialized width and layout are chosen by this tag, never by
// reflection on the runtime value.
type Primitive string

const (
	PrimitiveBoolean        Primitive = "Boolean"
	PrimitiveInt32          Primitive = "Int32"
	PrimitiveInt64          Primitive = "Int64"
	PrimitiveDouble         Primitive = "Double"
	PrimitiveString         Primitive = "String"
	PrimitiveDate           Primitive = "Date"
	PrimitiveDateTimeOffset Primitive = "DateTimeOffset"
	PrimitiveGuid           Primitive = "Guid"
	PrimitiveBinary         Primitive = "Binary"
	PrimitiveGeographyPoint Primitive = "GeographyPoint"
)

// GeoPoint is the canonical in-memory form of a GeographyPoint value.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}
