// Package schemas embeds the JSON Schemas that define the species config
// format and the viewer protocol messages. The species loader validates
// configs against them at load time; protocol tests validate golden
// samples.
package schemas

import "embed"

//go:embed *.schema.json
var FS embed.FS

// Species is the schema for one species config file.
func Species() []byte { return mustRead("species.schema.json") }

func mustRead(name string) []byte {
	b, err := FS.ReadFile(name)
	if err != nil {
		panic("schemas: " + err.Error())
	}
	return b
}
