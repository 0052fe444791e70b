package session

import (
	"fmt"
	"strings"
)

// errorLabel renders an error as "<Kind>: <message>", where Kind is the
// error's concrete type name. Event consumers key on the stable prefix.
func errorLabel(err error) string {
	kind := fmt.Sprintf("%T", err)
	kind = strings.TrimPrefix(kind, "*")
	if i := strings.LastIndex(kind, "."); i >= 0 {
		kind = kind[i+1:]
	}
	if kind == "" {
		kind = "Error"
	}
	return kind + ": " + err.Error()
}
