package utils

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

type ASCIITableHeader struct {
	Name     string // column title
	Field    string // struct field of the row
	Centered bool   // marks the column as centered in the separator line
	size     int
}

// ASCIITable renders rows (a slice of structs) as markdown style table.
// Fields may be strings, numbers, bools or implement fmt.Stringer.
func ASCIITable(header []ASCIITableHeader, rows interface{}, escapePipes bool) (string, error) {
	dataRows := reflect.ValueOf(rows)
	if dataRows.Kind() != reflect.Slice {
		return "", fmt.Errorf("rows is not a slice")
	}

	cells := make([][]string, dataRows.Len())
	for i := range header {
		header[i].size = utf8.RuneCountInString(header[i].Name)
	}
	for i := range cells {
		rowVal := reflect.Indirect(dataRows.Index(i))
		if rowVal.Kind() != reflect.Struct {
			return "", fmt.Errorf("row %d is not a struct", i)
		}
		cells[i] = make([]string, len(header))
		for col, head := range header {
			value, err := asciiTableCell(rowVal, head.Field, escapePipes)
			if err != nil {
				return "", err
			}
			cells[i][col] = value
			header[col].size = max(header[col].size, utf8.RuneCountInString(value))
		}
	}

	out := &strings.Builder{}
	for _, head := range header {
		writePadded(out, head.Name, head.size)
	}
	out.WriteString("|\n")

	for _, head := range header {
		edge := " "
		if head.Centered {
			edge = ":"
		}
		fmt.Fprintf(out, "|%s%s%s", edge, strings.Repeat("-", head.size), edge)
	}
	out.WriteString("|\n")

	for _, row := range cells {
		for col, head := range header {
			writePadded(out, row[col], head.size)
		}
		out.WriteString("|\n")
	}

	return out.String(), nil
}

func writePadded(out *strings.Builder, value string, size int) {
	out.WriteString("| ")
	out.WriteString(value)
	out.WriteString(strings.Repeat(" ", size-utf8.RuneCountInString(value)+1))
}

func asciiTableCell(rowVal reflect.Value, name string, escapePipes bool) (string, error) {
	field := rowVal.FieldByName(name)
	if !field.IsValid() {
		return "", nil
	}

	value := ""
	switch {
	case field.CanInterface() && field.Type().Implements(reflect.TypeOf((*fmt.Stringer)(nil)).Elem()):
		value = field.Interface().(fmt.Stringer).String()
	default:
		switch field.Kind() {
		case reflect.String:
			value = field.String()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64, reflect.Bool:
			value = fmt.Sprint(field.Interface())
		default:
			return "", fmt.Errorf("unsupported struct attribute type for field %s: %s", name, field.Type().String())
		}
	}

	if escapePipes {
		value = strings.ReplaceAll(value, "|", "\\|")
	}

	return value, nil
}
