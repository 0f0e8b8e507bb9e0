// Package docs registers the OpenAPI description of the peer API served at /swagger/
package docs

import "github.com/swaggo/swag"

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
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["server"],
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.HealthResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/handlers.HealthResponse"}}
                }
            }
        },
        "/api/v1/lounge.State": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["lounge"],
                "summary": "Current lounge frame",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/jsonrpcx.Request"}}],
                "responses": {"200": {"description": "Current frame", "schema": {"$ref": "#/definitions/service.Frame"}}}
            }
        },
        "/api/v1/avatar.Move": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["avatar"],
                "summary": "Move the local avatar",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/handlers.MoveRequest"}}],
                "responses": {"200": {"description": "Accepted target", "schema": {"$ref": "#/definitions/handlers.MoveResponse"}}}
            }
        },
        "/api/v1/timer.ToggleMode": {
            "post": {
                "tags": ["timer"],
                "summary": "Switch between solo and shared timer",
                "responses": {"200": {"description": "Timer after the switch", "schema": {"$ref": "#/definitions/service.TimerView"}}}
            }
        },
        "/api/v1/timer.StartStop": {
            "post": {
                "tags": ["timer"],
                "summary": "Start or pause the timer",
                "responses": {"200": {"description": "Timer after the action", "schema": {"$ref": "#/definitions/service.TimerView"}}}
            }
        },
        "/api/v1/timer.Reset": {
            "post": {
                "tags": ["timer"],
                "summary": "Reset to a stopped focus phase",
                "responses": {"200": {"description": "Timer after the action", "schema": {"$ref": "#/definitions/service.TimerView"}}}
            }
        },
        "/api/v1/timer.SkipPhase": {
            "post": {
                "tags": ["timer"],
                "summary": "Jump to the next phase",
                "responses": {"200": {"description": "Timer after the action", "schema": {"$ref": "#/definitions/service.TimerView"}}}
            }
        },
        "/api/v1/timer.SetDurations": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["timer"],
                "summary": "Change phase lengths",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/handlers.SetDurationsRequest"}}],
                "responses": {"200": {"description": "Timer with the new durations", "schema": {"$ref": "#/definitions/service.TimerView"}}}
            }
        },
        "/api/v1/server.Info": {
            "post": {
                "tags": ["server"],
                "summary": "Peer information",
                "responses": {"200": {"description": "Peer information", "schema": {"$ref": "#/definitions/handlers.ServerInfo"}}}
            }
        }
    },
    "definitions": {
        "jsonrpcx.Request": {
            "type": "object",
            "properties": {
                "jsonrpc": {"type": "string", "example": "2.0"},
                "method": {"type": "string"},
                "params": {"type": "object"},
                "id": {}
            }
        },
        "handlers.MoveRequest": {
            "type": "object",
            "properties": {"x": {"type": "number", "example": 0.42}, "y": {"type": "number", "example": 0.7}}
        },
        "handlers.MoveResponse": {
            "type": "object",
            "properties": {"target_x": {"type": "number"}, "target_y": {"type": "number"}}
        },
        "handlers.SetDurationsRequest": {
            "type": "object",
            "properties": {"focus_minutes": {"type": "integer", "example": 25}, "break_minutes": {"type": "integer", "example": 5}}
        },
        "handlers.ServerInfo": {
            "type": "object",
            "properties": {
                "room": {"type": "string"},
                "guest_id": {"type": "string"},
                "display_name": {"type": "string"},
                "color": {"type": "string"},
                "driver": {"type": "string"},
                "address": {"type": "string"}
            }
        },
        "handlers.HealthResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"},
                "checks": {"type": "object", "additionalProperties": {"$ref": "#/definitions/handlers.HealthCheck"}}
            }
        },
        "handlers.HealthCheck": {
            "type": "object",
            "properties": {"status": {"type": "string"}, "error": {"type": "string"}}
        },
        "presence.Avatar": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "name": {"type": "string"},
                "color": {"type": "string"},
                "x": {"type": "number"},
                "y": {"type": "number"},
                "is_self": {"type": "boolean"}
            }
        },
        "service.Frame": {
            "type": "object",
            "properties": {
                "room": {"type": "string"},
                "self_id": {"type": "string"},
                "avatars": {"type": "array", "items": {"$ref": "#/definitions/presence.Avatar"}},
                "online_count": {"type": "integer"},
                "timer": {"$ref": "#/definitions/service.TimerView"}
            }
        },
        "service.TimerView": {
            "type": "object",
            "properties": {
                "mode": {"type": "string", "enum": ["solo", "shared"]},
                "phase": {"type": "string", "enum": ["focus", "break"]},
                "phase_label": {"type": "string"},
                "remaining_ms": {"type": "integer"},
                "label": {"type": "string", "example": "25:00"},
                "completion": {"type": "number"},
                "is_running": {"type": "boolean"},
                "hint": {"type": "string"},
                "focus_minutes": {"type": "integer"},
                "break_minutes": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "CozyFocus Peer API",
	Description:      "Local view of a CozyFocus lounge peer: avatars, presence and the shared pomodoro timer.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
