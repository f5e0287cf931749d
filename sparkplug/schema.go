package sparkplug

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

// sparkplug_b.proto, proto2, package org.eclipse.tahu.protobuf.
// Fields are declared in number order, value oneof members always have the highest numbers.

const schemaPackage = "org.eclipse.tahu.protobuf"

const (
	tUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	tUint64  = descriptorpb.FieldDescriptorProto_TYPE_UINT64
	tFloat   = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	tDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

// "extensions N to max", end is exclusive
const maxFieldNumber = 1 << 29

var payloadType protoreflect.MessageDescriptor

func init() {
	fd, err := protodesc.NewFile(schemaFile(), nil)
	if err != nil {
		panic(fmt.Sprintf("code error sparkplug schema err=%v", err))
	}
	payloadType = fd.Messages().ByName("Payload")
}

type fieldOpt func(*descriptorpb.FieldDescriptorProto)

func repeated(f *descriptorpb.FieldDescriptorProto) {
	f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
}

// inValue puts field into the only oneof of its message.
func inValue(f *descriptorpb.FieldDescriptorProto) { f.OneofIndex = proto.Int32(0) }

func field(num int32, name string, typ descriptorpb.FieldDescriptorProto_Type, opts ...fieldOpt) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(num),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// ref is path of nested message under Payload, like "DataSet.Row".
func messageField(num int32, name, ref string, opts ...fieldOpt) *descriptorpb.FieldDescriptorProto {
	f := field(num, name, tMessage, opts...)
	f.TypeName = proto.String("." + schemaPackage + ".Payload." + ref)
	return f
}

// scalarValues are oneof members shared by Metric, DataSetValue, PropertyValue and Parameter.
func scalarValues(first int32) []*descriptorpb.FieldDescriptorProto {
	return []*descriptorpb.FieldDescriptorProto{
		field(first, "int_value", tUint32, inValue),
		field(first+1, "long_value", tUint64, inValue),
		field(first+2, "float_value", tFloat, inValue),
		field(first+3, "double_value", tDouble, inValue),
		field(first+4, "boolean_value", tBool, inValue),
		field(first+5, "string_value", tString, inValue),
	}
}

func valueOneof() []*descriptorpb.OneofDescriptorProto {
	return []*descriptorpb.OneofDescriptorProto{{Name: proto.String("value")}}
}

func extensionsFrom(start int32) []*descriptorpb.DescriptorProto_ExtensionRange {
	return []*descriptorpb.DescriptorProto_ExtensionRange{{Start: proto.Int32(start), End: proto.Int32(maxFieldNumber)}}
}

func extensionMessage(name string) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), ExtensionRange: extensionsFrom(1)}
}

func fields(fs ...interface{}) []*descriptorpb.FieldDescriptorProto {
	var out []*descriptorpb.FieldDescriptorProto
	for _, f := range fs {
		switch x := f.(type) {
		case *descriptorpb.FieldDescriptorProto:
			out = append(out, x)
		case []*descriptorpb.FieldDescriptorProto:
			out = append(out, x...)
		}
	}
	return out
}

func schemaFile() *descriptorpb.FileDescriptorProto {
	parameter := &descriptorpb.DescriptorProto{
		Name: proto.String("Parameter"),
		Field: fields(
			field(1, "name", tString),
			field(2, "type", tUint32),
			scalarValues(3),
			messageField(9, "extension_value", "Template.Parameter.ParameterValueExtension", inValue),
		),
		NestedType: []*descriptorpb.DescriptorProto{extensionMessage("ParameterValueExtension")},
		OneofDecl:  valueOneof(),
	}
	template := &descriptorpb.DescriptorProto{
		Name: proto.String("Template"),
		Field: fields(
			field(1, "version", tString),
			messageField(2, "metrics", "Metric", repeated),
			messageField(3, "parameters", "Template.Parameter", repeated),
			field(4, "template_ref", tString),
			field(5, "is_definition", tBool),
		),
		NestedType:     []*descriptorpb.DescriptorProto{parameter},
		ExtensionRange: extensionsFrom(6),
	}

	dataSetValue := &descriptorpb.DescriptorProto{
		Name: proto.String("DataSetValue"),
		Field: fields(
			scalarValues(1),
			messageField(7, "extension_value", "DataSet.DataSetValue.DataSetValueExtension", inValue),
		),
		NestedType: []*descriptorpb.DescriptorProto{extensionMessage("DataSetValueExtension")},
		OneofDecl:  valueOneof(),
	}
	row := &descriptorpb.DescriptorProto{
		Name:           proto.String("Row"),
		Field:          fields(messageField(1, "elements", "DataSet.DataSetValue", repeated)),
		ExtensionRange: extensionsFrom(2),
	}
	dataSet := &descriptorpb.DescriptorProto{
		Name: proto.String("DataSet"),
		Field: fields(
			field(1, "num_of_columns", tUint64),
			field(2, "columns", tString, repeated),
			field(3, "types", tUint32, repeated),
			messageField(4, "rows", "DataSet.Row", repeated),
		),
		NestedType:     []*descriptorpb.DescriptorProto{dataSetValue, row},
		ExtensionRange: extensionsFrom(5),
	}

	propertyValue := &descriptorpb.DescriptorProto{
		Name: proto.String("PropertyValue"),
		Field: fields(
			field(1, "type", tUint32),
			field(2, "is_null", tBool),
			scalarValues(3),
			messageField(9, "propertyset_value", "PropertySet", inValue),
			messageField(10, "propertysets_value", "PropertySetList", inValue),
			messageField(11, "extension_value", "PropertyValue.PropertyValueExtension", inValue),
		),
		NestedType: []*descriptorpb.DescriptorProto{extensionMessage("PropertyValueExtension")},
		OneofDecl:  valueOneof(),
	}
	propertySet := &descriptorpb.DescriptorProto{
		Name: proto.String("PropertySet"),
		Field: fields(
			field(1, "keys", tString, repeated),
			messageField(2, "values", "PropertyValue", repeated),
		),
		ExtensionRange: extensionsFrom(3),
	}
	propertySetList := &descriptorpb.DescriptorProto{
		Name:           proto.String("PropertySetList"),
		Field:          fields(messageField(1, "propertyset", "PropertySet", repeated)),
		ExtensionRange: extensionsFrom(2),
	}

	metaData := &descriptorpb.DescriptorProto{
		Name: proto.String("MetaData"),
		Field: fields(
			field(1, "is_multi_part", tBool),
			field(2, "content_type", tString),
			field(3, "size", tUint64),
			field(4, "seq", tUint64),
			field(5, "file_name", tString),
			field(6, "file_type", tString),
			field(7, "md5", tString),
			field(8, "description", tString),
		),
		ExtensionRange: extensionsFrom(9),
	}

	metric := &descriptorpb.DescriptorProto{
		Name: proto.String("Metric"),
		Field: fields(
			field(1, "name", tString),
			field(2, "alias", tUint64),
			field(3, "timestamp", tUint64),
			field(4, "datatype", tUint32),
			field(5, "is_historical", tBool),
			field(6, "is_transient", tBool),
			field(7, "is_null", tBool),
			messageField(8, "metadata", "MetaData"),
			messageField(9, "properties", "PropertySet"),
			scalarValues(10),
			field(16, "bytes_value", tBytes, inValue),
			messageField(17, "dataset_value", "DataSet", inValue),
			messageField(18, "template_value", "Template", inValue),
			messageField(19, "extension_value", "Metric.MetricValueExtension", inValue),
		),
		NestedType: []*descriptorpb.DescriptorProto{extensionMessage("MetricValueExtension")},
		OneofDecl:  valueOneof(),
	}

	payload := &descriptorpb.DescriptorProto{
		Name: proto.String("Payload"),
		Field: fields(
			field(1, "timestamp", tUint64),
			messageField(2, "metrics", "Metric", repeated),
			field(3, "seq", tUint64),
			field(4, "uuid", tString),
			field(5, "body", tBytes),
		),
		NestedType:     []*descriptorpb.DescriptorProto{template, dataSet, propertyValue, propertySet, propertySetList, metaData, metric},
		ExtensionRange: extensionsFrom(6),
	}

	return &descriptorpb.FileDescriptorProto{
		Name:        proto.String("sparkplug_b.proto"),
		Package:     proto.String(schemaPackage),
		Syntax:      proto.String("proto2"),
		MessageType: []*descriptorpb.DescriptorProto{payload},
		Options: &descriptorpb.FileOptions{
			JavaPackage:        proto.String("org.eclipse.tahu.protobuf"),
			JavaOuterClassname: proto.String("SparkplugBProto"),
		},
	}
}
