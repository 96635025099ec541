package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/acronis/sqlite-cdc/config"
)

type converterFunc func(value interface{}, params map[string]interface{}) interface{}

var converters = map[string]converterFunc{
	config.ConverterLowercase: convertLowercase,
	config.ConverterUppercase: convertUppercase,
	config.ConverterTrim:      convertTrim,
	config.ConverterDefault:   convertDefault,
	config.ConverterTypecast:  convertTypecast,
}

// Convert applies a named converter to a value. Values a converter cannot
// handle pass through unchanged, a bad mapping must not lose data.
func Convert(value interface{}, converter string, params map[string]interface{}) interface{} {
	fn, ok := converters[converter]
	if !ok {
		return value
	}

	return fn(value, params)
}

func convertLowercase(value interface{}, _ map[string]interface{}) interface{} {
	if value == nil {
		return nil
	}

	return strings.ToLower(asString(value))
}

func convertUppercase(value interface{}, _ map[string]interface{}) interface{} {
	if value == nil {
		return nil
	}

	return strings.ToUpper(asString(value))
}

func convertTrim(value interface{}, _ map[string]interface{}) interface{} {
	if value == nil {
		return nil
	}

	return strings.TrimSpace(asString(value))
}

// convertDefault substitutes the configured value for NULL and for the empty
// string.
func convertDefault(value interface{}, params map[string]interface{}) interface{} {
	if value == nil {
		return params["value"]
	}
	if s, ok := value.(string); ok && s == "" {
		return params["value"]
	}

	return value
}

func convertTypecast(value interface{}, params map[string]interface{}) interface{} {
	if value == nil {
		return nil
	}

	target, _ := params["target_type"].(string)
	switch target {
	case "", "str":
		return asString(value)
	case "int":
		return toInt(value)
	case "float":
		return toFloat(value)
	case "bool":
		return toBool(value)
	}

	return value
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt(value interface{}) interface{} {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float32:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return int64(1)
		}
		return int64(0)
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}

	return value
}

func toFloat(value interface{}) interface{} {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case bool:
		if v {
			return 1.0
		}
		return 0.0
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}

	return value
}

func toBool(value interface{}) interface{} {
	switch v := value.(type) {
	case bool:
		return v
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}

	return value
}
