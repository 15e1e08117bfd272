package aws

import (
	"bytes"

	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
)

var policyJSON = jsoniter.ConfigCompatibleWithStandardLibrary

type policyDocument struct {
	Statement jsoniter.RawMessage `json:"Statement"`
}

type policyStatement struct {
	Effect    string              `json:"Effect"`
	Principal jsoniter.RawMessage `json:"Principal"`
	Condition map[string]any      `json:"Condition"`
}

// policyIsPublic reports whether a resource policy has an unconditional
// Allow statement for any principal. It returns an error when the document
// is not valid policy JSON.
func policyIsPublic(doc string) (bool, error) {
	if doc == "" {
		return false, nil
	}

	var policy policyDocument
	if err := policyJSON.UnmarshalFromString(doc, &policy); err != nil {
		return false, err
	}

	statements, err := policyStatements(policy.Statement)
	if err != nil {
		return false, err
	}

	return lo.SomeBy(statements, func(s policyStatement) bool {
		return s.Effect == "Allow" && len(s.Condition) == 0 && principalIsPublic(s.Principal)
	}), nil
}

// policyStatements accepts Statement as a single object or a list.
func policyStatements(raw jsoniter.RawMessage) ([]policyStatement, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var list []policyStatement
		if err := policyJSON.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}

	var one policyStatement
	if err := policyJSON.Unmarshal(trimmed, &one); err != nil {
		return nil, err
	}
	return []policyStatement{one}, nil
}

// principalIsPublic matches "*", {"AWS": "*"} and {"AWS": ["*", ...]}.
func principalIsPublic(raw jsoniter.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}

	var s string
	if policyJSON.Unmarshal(raw, &s) == nil {
		return s == "*"
	}

	var m map[string]jsoniter.RawMessage
	if policyJSON.Unmarshal(raw, &m) != nil {
		return false
	}
	principal, ok := m["AWS"]
	if !ok {
		return false
	}

	var one string
	if policyJSON.Unmarshal(principal, &one) == nil {
		return one == "*"
	}
	var many []string
	if policyJSON.Unmarshal(principal, &many) == nil {
		return lo.Contains(many, "*")
	}
	return false
}
