// Package contracts embeds the OpenAPI documents served by the HTTP apps so
// binaries stay self-contained.
package contracts

import _ "embed"

//go:embed metastore.yaml
var MetastoreYAML []byte
