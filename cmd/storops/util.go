package main

import (
	"encoding/json"
	"fmt"
	"io"
)

func jsonUnmarshal(s string, v any) error { return json.Unmarshal([]byte(s), v) }

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
