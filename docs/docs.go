// Package docs holds the OpenAPI description served under /swagger when gend
// is built with the swagger tag. Regenerate with `swag init -g cmd/gend/docs.go`.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "gend maintainers"
        },
        "license": {
            "name": "MIT",
            "url": "https://opensource.org/licenses/MIT"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/generate": {
            "post": {
                "description": "Generates text with the named model. Load and generation failures are reported in the error field with status 200.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["generate"],
                "summary": "Generate text",
                "parameters": [
                    {
                        "description": "Generation request",
                        "name": "request",
                        "in": "body",
                        "required": true,
                        "schema": {"$ref": "#/definitions/types.GenerateRequest"}
                    }
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.GenerateResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/types.ErrorResponse"}},
                    "415": {"description": "Unsupported Media Type", "schema": {"$ref": "#/definitions/types.ErrorResponse"}}
                }
            }
        },
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["health"],
                "summary": "Liveness with a status message",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.HealthResponse"}}
                }
            }
        },
        "/models": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "List resolvable models",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.ModelsResponse"}}
                }
            }
        },
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["models"],
                "summary": "Resident model snapshot",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/types.StatusResponse"}}
                }
            }
        }
    },
    "definitions": {
        "types.ErrorResponse": {
            "type": "object",
            "properties": {
                "code": {"type": "integer", "example": 400},
                "details": {"type": "array", "items": {"$ref": "#/definitions/types.FieldError"}},
                "error": {"type": "string", "example": "invalid request body"}
            }
        },
        "types.FieldError": {
            "type": "object",
            "properties": {
                "field": {"type": "string", "example": "prompt"},
                "message": {"type": "string", "example": "field required"}
            }
        },
        "types.GenerateRequest": {
            "type": "object",
            "properties": {
                "max_tokens": {"type": "integer", "example": 16},
                "model_id": {"type": "string", "example": "demo/small-model"},
                "prompt": {"type": "string", "example": "Say hi"},
                "temperature": {"type": "number", "x-nullable": true, "example": 0.7}
            }
        },
        "types.GenerateResponse": {
            "type": "object",
            "properties": {
                "error": {"type": "string"},
                "model_id": {"type": "string", "example": "demo/small-model"},
                "response": {"type": "string", "example": "Hi there!"}
            }
        },
        "types.HealthResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string", "example": "generation service is running"},
                "status": {"type": "string", "example": "healthy"}
            }
        },
        "types.Model": {
            "type": "object",
            "properties": {
                "family": {"type": "string"},
                "id": {"type": "string"},
                "name": {"type": "string"},
                "path": {"type": "string"},
                "quant": {"type": "string"},
                "template": {"type": "string"},
                "timeout_seconds": {"type": "integer"}
            }
        },
        "types.ModelsResponse": {
            "type": "object",
            "properties": {
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.Model"}}
            }
        },
        "types.ModelStatus": {
            "type": "object",
            "properties": {
                "est_memory_mb": {"type": "integer"},
                "inflight": {"type": "integer"},
                "last_used_unix": {"type": "integer"},
                "load_id": {"type": "string"},
                "loaded_at_unix": {"type": "integer"},
                "max_queue_depth": {"type": "integer"},
                "model_id": {"type": "string"},
                "queue_len": {"type": "integer"},
                "refs": {"type": "integer"},
                "state": {"type": "string"}
            }
        },
        "types.StatusResponse": {
            "type": "object",
            "properties": {
                "budget_mb": {"type": "integer"},
                "evictions_total": {"type": "integer"},
                "load_failures_total": {"type": "integer"},
                "loads_in_progress": {"type": "integer"},
                "loads_total": {"type": "integer"},
                "margin_mb": {"type": "integer"},
                "max_resident": {"type": "integer"},
                "models": {"type": "array", "items": {"$ref": "#/definitions/types.ModelStatus"}},
                "ready": {"type": "boolean"},
                "server_time_unix": {"type": "integer"},
                "uptime_seconds": {"type": "integer"},
                "used_est_mb": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "gend API",
	Description:      "HTTP API for on-demand local text generation.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
