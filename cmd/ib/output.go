package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// outputJSON writes v as indented JSON to w.
func outputJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

// outputJSONError writes err as a JSON object to stderr.
func outputJSONError(err error) {
	_ = outputJSON(os.Stderr, map[string]string{"error": err.Error()}) // best effort
}
