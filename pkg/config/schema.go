package config

//go:generate go run ../../cmd/generate-schema -o ../../efs-utils.schema.json

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SchemaVersion is bumped whenever Settings changes shape.
const SchemaVersion = "1.0.0"

// JSONSchema describes the typed sections of the configuration file. The
// raw sections are free-form and are not part of it.
func JSONSchema() ([]byte, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}

	schema := reflector.Reflect(&Settings{})
	schema.Title = "efsmount configuration"
	schema.Description = "Typed sections read by mount-efs and efs-watchdog"
	schema.Version = SchemaVersion

	return json.MarshalIndent(schema, "", "  ")
}
