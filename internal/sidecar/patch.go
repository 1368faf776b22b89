package sidecar

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"
	corev1 "k8s.io/api/core/v1"
)

// Patch sets a single sjson dot-notation path in the rendered manifest.
type Patch struct {
	Path  string
	Value string
}

// protectedPaths carry the sidecar's identity and ownership and cannot be patched.
var protectedPaths = []string{
	"apiVersion",
	"kind",
	"metadata.name",
	"metadata.namespace",
	"metadata.ownerReferences",
}

// ParsePatches parses "path=value" pairs separated by semicolons.
func ParsePatches(raw string) ([]Patch, error) {
	var patches []Patch
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		path, value, ok := strings.Cut(entry, "=")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid patch %q: expected path=value", entry)
		}
		for _, p := range protectedPaths {
			if path == p || strings.HasPrefix(path, p+".") {
				return nil, fmt.Errorf("invalid patch %q: %s cannot be patched", entry, p)
			}
		}
		patches = append(patches, Patch{Path: path, Value: strings.TrimSpace(value)})
	}
	return patches, nil
}

func applyPatches(pod *corev1.Pod, patches []Patch) (*corev1.Pod, error) {
	raw, err := json.Marshal(pod)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	doc := string(raw)
	for _, p := range patches {
		doc, err = applyJSONPatch(doc, p.Path, p.Value)
		if err != nil {
			return nil, err
		}
	}

	out := &corev1.Pod{}
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return nil, fmt.Errorf("decoding patched manifest: %w", err)
	}
	return out, nil
}

// applyJSONPatch applies a single sjson-style path update to a JSON document.
// Valid JSON literals (true, false, null, numbers, quoted strings) are decoded
// to their native types; bare strings are set as-is.
func applyJSONPatch(content, path, rawValue string) (string, error) {
	var typedValue any
	if err := json.Unmarshal([]byte(rawValue), &typedValue); err != nil {
		typedValue = rawValue
	}

	result, err := sjson.Set(content, path, typedValue)
	if err != nil {
		return "", fmt.Errorf("sjson.Set %q: %w", path, err)
	}
	return result, nil
}
