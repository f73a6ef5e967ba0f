// Package subagent tracks parent/child relationships between live agent
// sessions and enforces the spawn depth limit.
package subagent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrParentNotFound means the named parent session is not registered.
	ErrParentNotFound = errors.New("parent session not found")
	// ErrDepthExceeded means the parent sits at the maximum spawn depth.
	ErrDepthExceeded = errors.New("subagent depth limit exceeded")
	// ErrAlreadyRegistered means the session id is already tracked.
	ErrAlreadyRegistered = errors.New("session already registered")
)

type node struct {
	id       string
	parentID string
	children []string
	depth    int
}

// Tracker maintains the live session tree. Roots sit at depth 0; a session
// may spawn children only while its depth is below the configured maximum.
// All methods are safe for concurrent use.
type Tracker struct {
	maxDepth int
	logger   *slog.Logger

	mu    sync.Mutex
	nodes map[string]*node
}

// NewTracker creates an empty tracker. maxDepth 2 allows roots, children, and
// grandchildren; the grandchildren cannot spawn.
func NewTracker(maxDepth int) *Tracker {
	return &Tracker{
		maxDepth: maxDepth,
		logger:   slog.Default().With("component", "subagent"),
		nodes:    make(map[string]*node),
	}
}

// RegisterRoot adds a top-level session at depth 0.
func (t *Tracker) RegisterRoot(sessionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.nodes[sessionID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, sessionID)
	}
	t.nodes[sessionID] = &node{id: sessionID}
	return nil
}

// RegisterSubagent adds childID under parentID at the parent's depth plus
// one.
func (t *Tracker) RegisterSubagent(parentID, childID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.nodes[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}
	if parent.depth >= t.maxDepth {
		return fmt.Errorf("%w: parent %s at depth %d, max %d",
			ErrDepthExceeded, parentID, parent.depth, t.maxDepth)
	}
	if _, exists := t.nodes[childID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, childID)
	}
	t.nodes[childID] = &node{id: childID, parentID: parentID, depth: parent.depth + 1}
	parent.children = append(parent.children, childID)
	return nil
}

// CanSpawn reports whether sessionID exists and sits below the depth limit.
func (t *Tracker) CanSpawn(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[sessionID]
	return ok && n.depth < t.maxDepth
}

// Depth returns the session's depth, with ok false for unknown sessions.
func (t *Tracker) Depth(sessionID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[sessionID]
	if !ok {
		return 0, false
	}
	return n.depth, true
}

// Parent returns the direct parent, with ok false for roots and unknown
// sessions.
func (t *Tracker) Parent(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[sessionID]
	if !ok || n.parentID == "" {
		return "", false
	}
	return n.parentID, true
}

// Root walks up to the session's root, with ok false for unknown sessions.
// A root is its own root.
func (t *Tracker) Root(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[sessionID]
	if !ok {
		return "", false
	}
	for n.parentID != "" {
		parent, ok := t.nodes[n.parentID]
		if !ok {
			break
		}
		n = parent
	}
	return n.id, true
}

// Children returns the direct children of sessionID.
func (t *Tracker) Children(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[sessionID]
	if !ok || len(n.children) == 0 {
		return nil
	}
	out := make([]string, len(n.children))
	copy(out, n.children)
	return out
}

// Descendants returns every transitive child of sessionID in depth-first
// order, excluding sessionID itself.
func (t *Tracker) Descendants(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[sessionID]
	if !ok {
		return nil
	}
	var out []string
	t.collectLocked(n, &out)
	return out
}

func (t *Tracker) collectLocked(n *node, out *[]string) {
	for _, childID := range n.children {
		child, ok := t.nodes[childID]
		if !ok {
			continue
		}
		*out = append(*out, childID)
		t.collectLocked(child, out)
	}
}

// Remove drops sessionID and its entire subtree, pruning the entry from its
// parent's children. It returns the removed ids with sessionID first, or nil
// when the session is unknown.
func (t *Tracker) Remove(sessionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[sessionID]
	if !ok {
		return nil
	}

	removed := []string{sessionID}
	t.collectLocked(n, &removed)
	for _, id := range removed {
		delete(t.nodes, id)
	}

	if n.parentID != "" {
		if parent, ok := t.nodes[n.parentID]; ok {
			for i, childID := range parent.children {
				if childID == sessionID {
					parent.children = append(parent.children[:i], parent.children[i+1:]...)
					break
				}
			}
		}
	}

	if len(removed) > 1 {
		t.logger.Debug("removed session subtree",
			"session_id", sessionID,
			"descendants", len(removed)-1)
	}
	return removed
}

// Count returns the number of tracked sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}
