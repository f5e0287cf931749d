package sparkplug

import (
	"strconv"
)

// DataType is the Sparkplug B metric datatype enumeration.
type DataType uint32

const (
	Unknown DataType = iota
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float
	Double
	Boolean
	String
	DateTime
	Text
	UUID
	DataSet
	Bytes
	File
	Template
	PropertySet
	PropertySetList
	Int8Array
	Int16Array
	Int32Array
	Int64Array
	UInt8Array
	UInt16Array
	UInt32Array
	UInt64Array
	FloatArray
	DoubleArray
	BooleanArray
	StringArray
	DateTimeArray

	dataTypeCount
)

var dataTypeNames = [dataTypeCount]string{
	Unknown:         "Unknown",
	Int8:            "Int8",
	Int16:           "Int16",
	Int32:           "Int32",
	Int64:           "Int64",
	UInt8:           "UInt8",
	UInt16:          "UInt16",
	UInt32:          "UInt32",
	UInt64:          "UInt64",
	Float:           "Float",
	Double:          "Double",
	Boolean:         "Boolean",
	String:          "String",
	DateTime:        "DateTime",
	Text:            "Text",
	UUID:            "UUID",
	DataSet:         "DataSet",
	Bytes:           "Bytes",
	File:            "File",
	Template:        "Template",
	PropertySet:     "PropertySet",
	PropertySetList: "PropertySetList",
	Int8Array:       "Int8Array",
	Int16Array:      "Int16Array",
	Int32Array:      "Int32Array",
	Int64Array:      "Int64Array",
	UInt8Array:      "UInt8Array",
	UInt16Array:     "UInt16Array",
	UInt32Array:     "UInt32Array",
	UInt64Array:     "UInt64Array",
	FloatArray:      "FloatArray",
	DoubleArray:     "DoubleArray",
	BooleanArray:    "BooleanArray",
	StringArray:     "StringArray",
	DateTimeArray:   "DateTimeArray",
}

func (dt DataType) String() string {
	if dt < dataTypeCount {
		return dataTypeNames[dt]
	}
	return "DataType(" + strconv.FormatUint(uint64(dt), 10) + ")"
}

func (dt DataType) IsArray() bool { return dt >= Int8Array && dt <= DateTimeArray }

// Valid reports whether dt is a known, non-Unknown datatype.
func (dt DataType) Valid() bool { return dt > Unknown && dt < dataTypeCount }

// ParseDataType is case sensitive, returns UnsupportedTypeError for unknown names.
func ParseDataType(s string) (DataType, error) {
	for i, name := range dataTypeNames {
		if i != int(Unknown) && name == s {
			return DataType(i), nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 32); err == nil && DataType(n).Valid() {
		return DataType(n), nil
	}
	return Unknown, &UnsupportedTypeError{Context: "parse " + strconv.Quote(s)}
}
