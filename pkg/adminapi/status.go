package adminapi

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"
)

// statusSchema is the subset of the cluster status document that topology
// reports are built from.
const statusSchema = `{
	"type": "object",
	"required": ["clusterName", "defaultReplicaSet"],
	"properties": {
		"clusterName": {"type": "string"},
		"defaultReplicaSet": {
			"type": "object",
			"required": ["topology"],
			"properties": {
				"topology": {
					"type": "object",
					"additionalProperties": {
						"type": "object",
						"required": ["status"],
						"properties": {
							"address": {"type": "string"},
							"status": {"type": "string"},
							"mode": {"type": "string"},
							"memberRole": {"type": "string"},
							"role": {"type": "string"}
						}
					}
				}
			}
		}
	}
}`

var statusSchemaLoader = gojsonschema.NewStringLoader(statusSchema)

// ErrMalformedStatus is returned when status output is not a cluster status
// document.
var ErrMalformedStatus = errors.New("malformed cluster status")

// ParseStatus builds a topology report from the JSON printed by a cluster
// status call. Informational lines preceding the document are skipped.
func ParseStatus(output []byte) (*TopologyReport, error) {
	doc := findDocument(output, "clusterName")
	if doc == nil {
		return nil, fmt.Errorf("%w: no status document in output", ErrMalformedStatus)
	}

	result, err := gojsonschema.Validate(statusSchemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedStatus, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedStatus, strings.Join(problems, "; "))
	}

	report := &TopologyReport{
		ClusterName: gjson.GetBytes(doc, "clusterName").String(),
		Members:     make(map[string]MemberStatus),
	}

	gjson.GetBytes(doc, "defaultReplicaSet.topology").ForEach(func(key, value gjson.Result) bool {
		member := MemberStatus{
			Address: value.Get("address").String(),
			Status:  value.Get("status").String(),
			Mode:    value.Get("mode").String(),
			Role:    value.Get("memberRole").String(),
		}
		if member.Address == "" {
			member.Address = key.String()
		}
		if member.Role == "" {
			member.Role = value.Get("role").String()
		}
		report.Members[key.String()] = member
		return true
	})

	return report, nil
}

// shellError reports whether output carries an error document, as printed
// by mysqlsh in JSON mode.
func shellError(output []byte) (string, bool) {
	doc := findDocument(output, "error")
	if doc == nil {
		return "", false
	}
	errValue := gjson.GetBytes(doc, "error")
	if errValue.IsObject() {
		return errValue.Get("message").String(), true
	}
	return errValue.String(), true
}

// findDocument returns the last line of output that is a JSON object with
// the given top-level key.
func findDocument(output []byte, key string) []byte {
	lines := bytes.Split(output, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
			continue
		}
		if gjson.GetBytes(line, key).Exists() {
			return line
		}
	}

	// Pretty-printed output spans several lines.
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) > 0 && trimmed[0] == '{' && gjson.ValidBytes(trimmed) && gjson.GetBytes(trimmed, key).Exists() {
		return trimmed
	}
	return nil
}
