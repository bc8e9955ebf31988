package tasks

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clusterctl/commissioner/internal/core/ports"
	"github.com/clusterctl/commissioner/internal/domain"
)

var ErrMissingParam = errors.New("missing required param")

// NodeSpec is one entry of a "nodes" param.
type NodeSpec struct {
	Name string
	Host string
	Port int
	User string
}

func requireString(params domain.JSONB, key string) (string, error) {
	v, ok := params[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	return v, nil
}

func stringOr(params domain.JSONB, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func boolParam(params domain.JSONB, key string) bool {
	v, _ := params[key].(bool)
	return v
}

// intOr accepts both Go ints and the float64 that JSON decoding produces.
func intOr(params domain.JSONB, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func mapParam(params domain.JSONB, key string) (map[string]interface{}, bool) {
	switch v := params[key].(type) {
	case map[string]interface{}:
		return v, true
	case domain.JSONB:
		return v, true
	}
	return nil, false
}

func parseNode(raw interface{}, idx int) (NodeSpec, error) {
	var m map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		m = v
	case domain.JSONB:
		m = v
	default:
		return NodeSpec{}, fmt.Errorf("nodes[%d]: expected an object", idx)
	}
	p := domain.JSONB(m)
	host, err := requireString(p, "host")
	if err != nil {
		return NodeSpec{}, fmt.Errorf("nodes[%d]: %w", idx, err)
	}
	return NodeSpec{
		Name: stringOr(p, "name", host),
		Host: host,
		Port: intOr(p, "port", 0),
		User: stringOr(p, "user", ""),
	}, nil
}

func parseNodes(params domain.JSONB, key string, required bool) ([]NodeSpec, error) {
	raw, present := params[key]
	if !present || raw == nil {
		if required {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, key)
		}
		return nil, nil
	}

	var items []interface{}
	switch v := raw.(type) {
	case []interface{}:
		items = v
	case []map[string]interface{}:
		for _, m := range v {
			items = append(items, m)
		}
	default:
		return nil, fmt.Errorf("%s: expected a list of nodes", key)
	}
	if required && len(items) == 0 {
		return nil, fmt.Errorf("%w: %s must not be empty", ErrMissingParam, key)
	}

	nodes := make([]NodeSpec, 0, len(items))
	for i, item := range items {
		n, err := parseNode(item, i)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Params converts a node into the fields every node leaf expects.
func (n NodeSpec) Params() domain.JSONB {
	return domain.JSONB{
		"node_name": n.Name,
		"host":      n.Host,
		"port":      n.Port,
		"user":      n.User,
	}
}

func (n NodeSpec) With(extra domain.JSONB) domain.JSONB {
	p := n.Params()
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func nodeFromParams(params domain.JSONB, deps Deps) (ports.NodeTarget, string, error) {
	host, err := requireString(params, "host")
	if err != nil {
		return ports.NodeTarget{}, "", err
	}
	return ports.NodeTarget{
		Host: host,
		Port: intOr(params, "port", 0),
		User: stringOr(params, "user", ""),
	}.WithDefaults(deps.DefaultUser, deps.DefaultPort), stringOr(params, "node_name", host), nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
