package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrToolNotFound is returned when a dotted path resolves to no leaf.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicatePath is returned when a registration collides with an
	// existing leaf or would bury one under a subtree.
	ErrDuplicatePath = errors.New("tool path already registered")
)

// Registry manages the namespaced tool tree with thread-safe
// registration and lookup. Registration is expected at startup;
// dynamic registration is permitted but serialized, and a second
// registration at the same path fails.
type Registry struct {
	mu   sync.RWMutex
	root *node
}

type node struct {
	children map[string]*node
	tool     Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{root: &node{children: make(map[string]*node)}}
}

// Register adds a tool at its declared path. Changing a tool's approval
// mode requires unregistering first; leaves are immutable once added.
func (r *Registry) Register(tool Tool) error {
	path := tool.Path()
	segments, err := splitPath(path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.root
	for i, seg := range segments {
		last := i == len(segments)-1
		child, ok := current.children[seg]
		if !ok {
			child = &node{children: make(map[string]*node)}
			current.children[seg] = child
		}
		if last {
			if child.tool != nil || len(child.children) > 0 {
				return fmt.Errorf("%w: %s", ErrDuplicatePath, path)
			}
			child.tool = tool
			return nil
		}
		if child.tool != nil {
			return fmt.Errorf("%w: %s is a leaf", ErrDuplicatePath, strings.Join(segments[:i+1], "."))
		}
		current = child
	}
	return nil
}

// Resolve splits path on "." and traverses the tree to a leaf.
func (r *Registry) Resolve(path string) (Tool, error) {
	segments, err := splitPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, path)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.root
	for _, seg := range segments {
		child, ok := current.children[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrToolNotFound, path)
		}
		current = child
	}
	if current.tool == nil {
		return nil, fmt.Errorf("%w: %s is not a leaf", ErrToolNotFound, path)
	}
	return current.tool, nil
}

// Walk visits every leaf in pre-order, segments sorted
// lexicographically at each level.
func (r *Registry) Walk(fn func(path string, tool Tool)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	walkNode(r.root, nil, fn)
}

func walkNode(n *node, segments []string, fn func(string, Tool)) {
	if n.tool != nil {
		fn(strings.Join(segments, "."), n.tool)
		return
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		walkNode(n.children[name], append(segments, name), fn)
	}
}

// Catalog returns descriptors for every registered tool in Walk order.
func (r *Registry) Catalog() []Descriptor {
	var catalog []Descriptor
	r.Walk(func(path string, tool Tool) {
		catalog = append(catalog, Descriptor{
			Path:         path,
			Description:  tool.Description(),
			Approval:     tool.Approval(),
			InputSchema:  tool.InputSchema(),
			OutputSchema: tool.OutputSchema(),
		})
	})
	return catalog
}

// Len returns the number of registered leaves.
func (r *Registry) Len() int {
	count := 0
	r.Walk(func(string, Tool) { count++ })
	return count
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("empty tool path")
	}
	if len(path) > MaxToolPathLength {
		return nil, fmt.Errorf("tool path exceeds maximum length of %d characters", MaxToolPathLength)
	}
	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("tool path %q has an empty segment", path)
		}
	}
	return segments, nil
}
