package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

func reflectSchema(v any) ([]byte, error) {
	r := &jsonschema.Reflector{FieldNameTag: "yaml"}
	schema := r.Reflect(v)
	return json.MarshalIndent(schema, "", "  ")
}

// SkillManifestJSONSchema returns the JSON Schema for SkillManifestFile.
func SkillManifestJSONSchema() ([]byte, error) { return reflectSchema(&SkillManifestFile{}) }

// IdentityConfigJSONSchema returns the JSON Schema for IdentityConfigFile.
func IdentityConfigJSONSchema() ([]byte, error) { return reflectSchema(&IdentityConfigFile{}) }

// UpstreamTableJSONSchema returns the JSON Schema for UpstreamTableFile.
func UpstreamTableJSONSchema() ([]byte, error) { return reflectSchema(&UpstreamTableFile{}) }

// QuotaTableJSONSchema returns the JSON Schema for QuotaTableFile.
func QuotaTableJSONSchema() ([]byte, error) { return reflectSchema(&QuotaTableFile{}) }
