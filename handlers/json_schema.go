package handlers

import "github.com/xeipuuv/gojsonschema"

const verifySequenceSchema = `{
	"type": "object",
	"required": ["channel_name"],
	"properties": {
		"channel_name": { "type": "string", "minLength": 1 },
		"video_ids": { "type": "array", "items": { "type": "string" } },
		"manual_paths": { "type": "array", "items": { "type": "string" } },
		"include_intro": { "type": "boolean" },
		"include_outro": { "type": "boolean" },
		"enable_logos": { "type": "boolean" }
	}
}`

const verifyPathSchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": { "type": "string", "minLength": 1 }
	}
}`

const itemSchema = `{
	"type": "object",
	"required": ["item_type", "path"],
	"properties": {
		"position": { "type": "integer", "minimum": 0 },
		"item_type": { "type": "string", "enum": ["intro", "video", "transition", "outro", "image"] },
		"video_id": { "type": "string" },
		"title": { "type": "string" },
		"path": { "type": "string" },
		"logo_path": { "type": "string" },
		"path_available": { "type": "boolean" },
		"duration": { "type": "number", "minimum": 0 },
		"resolution": { "type": "string" },
		"is_4k": { "type": "boolean" },
		"text_animation_text": { "type": "string" },
		"error": { "type": "string" }
	}
}`

const revalidateSchema = `{
	"type": "object",
	"required": ["items"],
	"properties": {
		"default_logo_path": { "type": "string" },
		"items": { "type": "array", "items": ` + itemSchema + ` }
	}
}`

const submitJobSchema = `{
	"type": "object",
	"required": ["user_id", "channel_name", "items"],
	"properties": {
		"user_id": { "type": "string", "minLength": 1 },
		"channel_name": { "type": "string", "minLength": 1 },
		"enable_4k": { "type": "boolean" },
		"default_logo_path": { "type": "string" },
		"items": { "type": "array", "minItems": 1, "items": ` + itemSchema + ` }
	}
}`

const upsertVideosSchema = `{
	"type": "object",
	"required": ["videos"],
	"properties": {
		"videos": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["video_id", "path"],
				"properties": {
					"video_id": { "type": "string", "minLength": 1 },
					"path": { "type": "string", "minLength": 1 },
					"title": { "type": "string" }
				}
			}
		}
	}
}`

var inputSchemas = map[string]string{
	"VerifySequence": verifySequenceSchema,
	"VerifyPath":     verifyPathSchema,
	"Revalidate":     revalidateSchema,
	"SubmitJob":      submitJobSchema,
	"UpsertVideos":   upsertVideosSchema,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// raise panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
