package client

import "github.com/santhosh-tekuri/jsonschema/v5"

var initSchema = jsonschema.MustCompileString("captchify://schema/init.json", `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["challenge_id", "prefix", "difficulty"],
  "properties": {
    "challenge_id": {"type": "string", "minLength": 1},
    "prefix": {"type": "string", "pattern": "^([0-9a-fA-F]{2})*$"},
    "difficulty": {"type": "integer", "minimum": 0, "maximum": 256},
    "expires_in": {"type": "integer", "minimum": 0}
  }
}`)

var verifySchema = jsonschema.MustCompileString("captchify://schema/verify.json", `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ok", "risk"],
  "properties": {
    "ok": {"type": "boolean"},
    "risk": {"type": "number", "minimum": 0, "maximum": 1},
    "token": {"type": ["string", "null"]},
    "reason": {"type": ["string", "null"]}
  },
  "if": {"properties": {"ok": {"const": true}}},
  "then": {"required": ["token"], "properties": {"token": {"type": "string", "minLength": 1}}}
}`)
