package display

import (
	"encoding/json"
	"os"
)

// MarshalJSON indents output for terminals and writes compact lines when
// stdout is piped, so each document stays on one line for jq and log shippers.
func MarshalJSON(v interface{}) ([]byte, error) {
	if isTerminal(os.Stdout) {
		return json.MarshalIndent(v, "", "  ")
	}
	return json.Marshal(v)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
