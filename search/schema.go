package search

import (
	"embed"
	"fmt"
)

//go:embed schema/*.json
var schemas embed.FS

// Schema returns the index definition shipped for index.
func Schema(index string) ([]byte, error) {
	data, err := schemas.ReadFile("schema/" + index + ".json")
	if err != nil {
		return nil, fmt.Errorf("no schema for index %q: %w", index, err)
	}
	return data, nil
}
