// Package docs embeds the campaign-api OpenAPI document and the Swagger UI
// page that renders it.
package docs

import _ "embed"

//go:embed campaign-api.openapi.yaml
var CampaignOpenAPI []byte

//go:embed swagger.html
var CampaignSwaggerHTML []byte
