package restapi

import "github.com/swaggo/swag"

// docTemplate describes the routes registered by Service.Register, in the layout swag init
// emits. Keep it in step with the annotations on the handlers.
const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/": {
            "get": {
                "security": [{"Bearer": []}],
                "description": "ListChildren responds with the child paths as JSON, optionally filtered by a CEL expression.",
                "produces": ["application/json"],
                "tags": ["Nodes"],
                "summary": "ListChildren returns the paths of the children of /parentNode",
                "parameters": [
                    {
                        "type": "string",
                        "description": "CEL expression over path, name, props and mixins",
                        "name": "filter",
                        "in": "query"
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"type": "string"}}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/add/{nodeName}": {
            "put": {
                "security": [{"Bearer": []}],
                "description": "AddNode locks /parentNode, adds the child in a transaction and unlocks the parent.",
                "produces": ["application/json"],
                "tags": ["Nodes"],
                "summary": "AddNode adds a lockable child under /parentNode",
                "parameters": [
                    {
                        "type": "string",
                        "description": "Name of the child node",
                        "name": "nodeName",
                        "in": "path",
                        "required": true
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": {"type": "string"}}},
                    "409": {"description": "Conflict", "schema": {"type": "object", "additionalProperties": true}},
                    "423": {"description": "Locked", "schema": {"type": "object", "additionalProperties": true}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "securityDefinitions": {
        "Bearer": {
            "description": "Type \"Bearer\" followed by a space and JWT token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds the exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "treelock REST API",
	Description:      "Adds and lists the children of /parentNode under a cluster-wide lock.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
