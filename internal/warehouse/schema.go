package warehouse

import (
	"fmt"
	"strings"
)

// Field is one column of the destination table.
type Field struct {
	Name     string
	Type     string // Athena / Glue type name
	Required bool
}

// Schema is the declared destination layout, in CSV column order.
var Schema = []Field{
	{Name: "date", Type: "date"},
	{Name: "currency", Type: "string"},
	{Name: "rate", Type: "double"},
	{Name: "ingestion_date", Type: "date", Required: true},
}

var typeAliases = map[string]string{
	"float":   "double",
	"float8":  "double",
	"varchar": "string",
}

func canonicalType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	if alias, ok := typeAliases[t]; ok {
		return alias
	}
	return t
}

// checkColumns reports the first declared field that is missing from cols or
// has a different type. cols maps lower-case column name to Glue type.
func checkColumns(cols map[string]string) error {
	for _, f := range Schema {
		got, ok := cols[f.Name]
		if !ok {
			return fmt.Errorf("column %s missing", f.Name)
		}
		if canonicalType(got) != f.Type {
			return fmt.Errorf("column %s has type %s, want %s", f.Name, got, f.Type)
		}
	}
	return nil
}
