// Package api carries the machine-readable description of the HTTP surface.
package api

import _ "embed"

// OpenAPISpec holds the OpenAPI 3.1 document served at /openapi.yaml.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
