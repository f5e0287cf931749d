// Package sparkplug implements Sparkplug B payload encoding, sequence numbering and topic addressing.
//
// Go value types per datatype:
//
//	Int8..Int64          int8..int64 (encode accepts any integer kind within range)
//	UInt8..UInt64        uint8..uint64
//	Float, Double        float32, float64
//	Boolean              bool
//	String, Text, UUID   string
//	DateTime             time.Time, millisecond precision, UTC on decode
//	Bytes, File          []byte
//	DataSet              *DataSetValue
//	Template             *TemplateValue
//	PropertySet(List)    *PropertySetValue, *PropertySetListValue (property values only)
//	<T>Array             []T, DateTimeArray is []time.Time
//
// Null metrics decode to Null.
package sparkplug
