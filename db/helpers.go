package db

import (
	"fmt"
	"strings"
)

func ParseScheme(s string) (scheme string, uri string, err error) {
	const schemeSeparator = "://"
	parts := strings.Split(s, schemeSeparator)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("'%s' is invalid scheme separator", schemeSeparator)
	}

	return parts[0], parts[1], nil
}

// GenDBParameterPlaceholders generates placeholders for given start and count
func GenDBParameterPlaceholders(start int, count int) string {
	var ret = make([]string, count)
	end := start + count
	for i := start; i < end; i++ {
		ret[i-start] = fmt.Sprintf("$%d", i+1)
	}

	return strings.Join(ret, ",")
}

// TernaryStr returns trueVal if cond is true, falseVal otherwise
func TernaryStr(cond bool, trueVal, falseVal string) string {
	if cond {
		return trueVal
	}

	return falseVal
}
