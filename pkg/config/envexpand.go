package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go templates
// with {{.VAR_NAME}} syntax. Plain $ is left untouched, so role prompts and
// regex patterns containing $ survive expansion verbatim.
//
// Examples:
//   - {{.OPENAI_API_KEY}} → value of OPENAI_API_KEY
//   - "price\$[0-9]+"     → preserved literally
//
// Missing variables expand to the empty string; validation catches required
// fields left empty. On template parse or execution errors the original
// bytes are returned so the YAML parser produces the real diagnostic.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, environMap()); err != nil {
		return data
	}
	return buf.Bytes()
}

// environMap snapshots the process environment as a template data map.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		// Split on the first = only; values may contain = themselves.
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}
