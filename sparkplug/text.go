package sparkplug

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func formatUint(x uint64) string { return strconv.FormatUint(x, 10) }

// FormatPayload is human readable, one metric per line. Not for parsing.
func FormatPayload(p *Payload) string {
	if p == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("payload")
	if p.Timestamp != 0 {
		fmt.Fprintf(&b, " timestamp=%d", p.Timestamp)
	}
	if p.HasSeq {
		fmt.Fprintf(&b, " seq=%d", p.Seq)
	}
	if p.UUID != "" {
		fmt.Fprintf(&b, " uuid=%s", p.UUID)
	}
	if len(p.Body) != 0 {
		fmt.Fprintf(&b, " body=%d bytes", len(p.Body))
	}
	for _, m := range p.Metrics {
		b.WriteString("\n  ")
		formatMetric(&b, m, "  ")
	}
	return b.String()
}

func (m *Metric) String() string {
	var b strings.Builder
	formatMetric(&b, m, "")
	return b.String()
}

func formatMetric(b *strings.Builder, m *Metric, indent string) {
	if m.Name != "" {
		fmt.Fprintf(b, "%q", m.Name)
	} else {
		b.WriteString("-")
	}
	if m.HasAlias {
		fmt.Fprintf(b, " alias=%d", m.Alias)
	}
	fmt.Fprintf(b, " %s", m.DataType)
	if m.Timestamp != 0 {
		fmt.Fprintf(b, " ts=%d", m.Timestamp)
	}
	if m.IsHistorical {
		b.WriteString(" historical")
	}
	if m.IsTransient {
		b.WriteString(" transient")
	}
	v, err := m.Decode()
	switch {
	case m.typeDeferred():
		fmt.Fprintf(b, " %s (datatype omitted)", m.Value.Field)
	case err != nil:
		fmt.Fprintf(b, " (error: %v)", err)
	case v == Null:
		b.WriteString(" = null")
	default:
		b.WriteString(" = ")
		b.WriteString(formatValue(v, indent+"  "))
	}
	if m.Properties != nil && m.Properties.Len() != 0 {
		fmt.Fprintf(b, " properties=%s", formatPropertySet(m.Properties))
	}
}

func formatValue(v interface{}, indent string) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case []byte:
		return fmt.Sprintf("%x", x)
	case *DataSetValue:
		var b strings.Builder
		fmt.Fprintf(&b, "dataset columns=%v types=%v rows=%d", x.Columns, x.Types, len(x.Rows))
		for i := range x.Rows {
			fmt.Fprintf(&b, "\n%s[", indent)
			for j := range x.Rows[i].Elements {
				if j != 0 {
					b.WriteString(", ")
				}
				cell, err := x.Cell(i, j)
				if err != nil {
					fmt.Fprintf(&b, "(error: %v)", err)
				} else {
					b.WriteString(formatValue(cell, indent))
				}
			}
			b.WriteString("]")
		}
		return b.String()
	case *TemplateValue:
		var b strings.Builder
		if x.IsDefinition {
			fmt.Fprintf(&b, "template definition version=%q", x.Version)
		} else {
			fmt.Fprintf(&b, "template instance ref=%q", x.TemplateRef)
		}
		for _, p := range x.Parameters {
			pv, err := p.Decode()
			if err != nil {
				fmt.Fprintf(&b, "\n%sparameter %q (error: %v)", indent, p.Name, err)
				continue
			}
			fmt.Fprintf(&b, "\n%sparameter %q %s = %s", indent, p.Name, p.Type, formatValue(pv, indent))
		}
		for _, m := range x.Metrics {
			fmt.Fprintf(&b, "\n%s", indent)
			formatMetric(&b, m, indent)
		}
		return b.String()
	case *PropertySetValue:
		return formatPropertySet(x)
	case *PropertySetListValue:
		parts := make([]string, len(x.PropertySets))
		for i, ps := range x.PropertySets {
			parts[i] = formatPropertySet(ps)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return fmt.Sprintf("%v", v)
}

func formatPropertySet(ps *PropertySetValue) string {
	parts := make([]string, 0, ps.Len())
	for i, k := range ps.Keys {
		v, err := ps.Values[i].Decode(k)
		if err != nil {
			parts = append(parts, fmt.Sprintf("%s:(error: %v)", k, err))
			continue
		}
		parts = append(parts, k+":"+formatValue(v, ""))
	}
	return "{" + strings.Join(parts, " ") + "}"
}
