package tools

// Schema is a JSON Schema fragment.
type Schema = map[string]any

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties Schema, required ...string) Schema {
	schema := Schema{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property.
func StringProperty(description string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
	}
}

// StringEnumProperty creates a string property with allowed values.
func StringEnumProperty(description string, values ...string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
		"enum":        values,
	}
}

// IntegerProperty creates an integer property.
func IntegerProperty(description string) Schema {
	return Schema{
		"type":        "integer",
		"description": description,
	}
}

// WithThought adds the optional "thought" property every tool accepts so the
// generator can say why it is looking a customer up. It never mutates schema.
func WithThought(schema Schema) Schema {
	result := make(Schema, len(schema))
	for k, v := range schema {
		result[k] = v
	}
	props := make(Schema)
	if existing, ok := schema["properties"].(Schema); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props["thought"] = StringProperty("Why you need this context and what you expect to learn from it.")
	result["properties"] = props
	return result
}

// required returns the required property names of an object schema.
func required(schema Schema) []string {
	names, _ := schema["required"].([]string)
	return names
}
