package nn

import (
	"fmt"
	"iter"
	"math/rand"
	"strings"
)

// NodeID addresses a node in a Graph. IDs are stable for the lifetime of
// the graph: replacing a child detaches the old node but never reuses its ID.
type NodeID int

// Detached is the parent of a node that is not attached anywhere.
const Detached NodeID = -1

// Child is a named edge from a node to one of its children.
type Child struct {
	Name string
	ID   NodeID
}

type node struct {
	layer    Layer
	class    string
	parent   NodeID
	children []Child
}

// Graph is an arena of layer nodes.
//
// Nodes are created detached with Add and attached under a parent with
// AddChild or Attach. A node has at most one parent. Children keep their
// declaration order, which defines traversal order everywhere in the engine.
//
// The graph also carries the train/eval mode and the random source used by
// dropout during training.
//
// Example:
//
//	g := nn.NewGraph()
//	root := g.Add(nn.Container{}, "Model")
//	attn := g.Attach(root, "attn", nn.Container{}, "CrossAttention")
//	g.Attach(attn, "to_q", nn.NewLinear(64, 64, false, rng), "")
type Graph struct {
	nodes    []*node
	root     NodeID
	training bool
	rng      *rand.Rand
}

// NewGraph creates an empty graph in evaluation mode.
func NewGraph() *Graph {
	//nolint:gosec // dropout masks are not security-critical
	return &Graph{root: Detached, rng: rand.New(rand.NewSource(0))}
}

// Add creates a detached node. An empty class uses the kind's default name.
// The first node added becomes the root unless SetRoot is called.
func (g *Graph) Add(layer Layer, class string) NodeID {
	if layer == nil {
		panic("graph: nil layer")
	}
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, &node{layer: layer, class: class, parent: Detached})
	if g.root == Detached {
		g.root = id
	}
	return id
}

// AddChild appends a detached node as a named child of parent.
func (g *Graph) AddChild(parent NodeID, name string, child NodeID) error {
	if err := g.check(parent); err != nil {
		return err
	}
	if err := g.check(child); err != nil {
		return err
	}
	if name == "" || strings.Contains(name, ".") {
		return fmt.Errorf("graph: invalid child name %q", name)
	}
	if g.nodes[child].parent != Detached || child == g.root {
		return fmt.Errorf("graph: node %d is already attached", child)
	}
	if child == parent {
		return fmt.Errorf("graph: node %d cannot be its own child", child)
	}
	if _, ok := g.Child(parent, name); ok {
		return fmt.Errorf("graph: node %d already has a child named %q", parent, name)
	}
	g.nodes[parent].children = append(g.nodes[parent].children, Child{Name: name, ID: child})
	g.nodes[child].parent = parent
	return nil
}

// Attach creates a node and appends it under parent. It panics if the edge
// cannot be created; use Add and AddChild to handle the error.
func (g *Graph) Attach(parent NodeID, name string, layer Layer, class string) NodeID {
	id := g.Add(layer, class)
	if err := g.AddChild(parent, name, id); err != nil {
		panic(err)
	}
	return id
}

// ReplaceChild swaps the child named name under parent for newID.
//
// newID must be detached. The previous child becomes detached and keeps its
// ID, so callers holding it can still inspect it.
func (g *Graph) ReplaceChild(parent NodeID, name string, newID NodeID) error {
	if err := g.check(parent); err != nil {
		return err
	}
	if err := g.check(newID); err != nil {
		return err
	}
	if g.nodes[newID].parent != Detached || newID == g.root {
		return fmt.Errorf("graph: replacement node %d is already attached", newID)
	}
	children := g.nodes[parent].children
	for i := range children {
		if children[i].Name != name {
			continue
		}
		g.nodes[children[i].ID].parent = Detached
		children[i].ID = newID
		g.nodes[newID].parent = parent
		return nil
	}
	return fmt.Errorf("graph: node %d has no child named %q", parent, name)
}

// Root returns the root node.
func (g *Graph) Root() NodeID { return g.root }

// SetRoot marks id as the graph root.
func (g *Graph) SetRoot(id NodeID) error {
	if err := g.check(id); err != nil {
		return err
	}
	if g.nodes[id].parent != Detached {
		return fmt.Errorf("graph: root %d must not have a parent", id)
	}
	g.root = id
	return nil
}

// Len returns the number of nodes ever created, attached or not.
func (g *Graph) Len() int { return len(g.nodes) }

// Valid reports whether id refers to a node of g.
func (g *Graph) Valid(id NodeID) bool {
	return id >= 0 && int(id) < len(g.nodes)
}

func (g *Graph) check(id NodeID) error {
	if !g.Valid(id) {
		return fmt.Errorf("graph: unknown node %d", id)
	}
	return nil
}

func (g *Graph) get(id NodeID) *node {
	if !g.Valid(id) {
		panic(fmt.Sprintf("graph: unknown node %d", id))
	}
	return g.nodes[id]
}

// Kind returns the kind of node id.
func (g *Graph) Kind(id NodeID) Kind { return g.get(id).layer.Kind() }

// Layer returns the payload of node id.
func (g *Graph) Layer(id NodeID) Layer { return g.get(id).layer }

// ClassName returns the architecture class tag of node id, falling back to
// the kind's name.
func (g *Graph) ClassName(id NodeID) string {
	n := g.get(id)
	if n.class != "" {
		return n.class
	}
	return n.layer.Kind().String()
}

// Parent returns the parent of id, or Detached.
func (g *Graph) Parent(id NodeID) NodeID { return g.get(id).parent }

// Children returns a copy of the ordered child list of id.
func (g *Graph) Children(id NodeID) []Child {
	children := g.get(id).children
	out := make([]Child, len(children))
	copy(out, children)
	return out
}

// Child looks up a direct child by name.
func (g *Graph) Child(id NodeID, name string) (NodeID, bool) {
	for _, c := range g.get(id).children {
		if c.Name == name {
			return c.ID, true
		}
	}
	return Detached, false
}

// Find resolves a dotted path relative to root. The empty path is root.
func (g *Graph) Find(root NodeID, path string) (NodeID, bool) {
	if path == "" {
		return root, g.Valid(root)
	}
	id := root
	for name := range strings.SplitSeq(path, ".") {
		child, ok := g.Child(id, name)
		if !ok {
			return Detached, false
		}
		id = child
	}
	return id, true
}

// Weight returns the weight handle of node id. For augmented nodes this is
// the weight of the base transform. Nodes without weights return nil.
func (g *Graph) Weight(id NodeID) *Parameter {
	if base, ok := g.Base(id); ok {
		return g.Layer(base).Weight()
	}
	return g.Layer(id).Weight()
}

// Bias returns the bias handle of node id, or nil.
func (g *Graph) Bias(id NodeID) *Parameter {
	if base, ok := g.Base(id); ok {
		return g.Layer(base).Bias()
	}
	return g.Layer(id).Bias()
}

// Base returns the base transform child of an augmented node.
func (g *Graph) Base(id NodeID) (NodeID, bool) {
	k := g.Kind(id)
	if !k.IsLora() {
		return Detached, false
	}
	return g.Child(id, BaseName(k))
}

// Walk yields every node reachable from root in depth-first pre-order,
// children in declaration order, together with its dotted path relative to
// root (root itself has the empty path).
func (g *Graph) Walk(root NodeID) iter.Seq2[string, NodeID] {
	return func(yield func(string, NodeID) bool) {
		g.walk(root, "", yield)
	}
}

func (g *Graph) walk(id NodeID, path string, yield func(string, NodeID) bool) bool {
	if !yield(path, id) {
		return false
	}
	for _, c := range g.Children(id) {
		childPath := c.Name
		if path != "" {
			childPath = path + "." + c.Name
		}
		if !g.walk(c.ID, childPath, yield) {
			return false
		}
	}
	return true
}

// Path returns the dotted path of id from the topmost attached ancestor.
func (g *Graph) Path(id NodeID) string {
	var parts []string
	for cur := id; g.get(cur).parent != Detached; {
		parent := g.nodes[cur].parent
		for _, c := range g.nodes[parent].children {
			if c.ID == cur {
				parts = append(parts, c.Name)
				break
			}
		}
		cur = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

// Train switches the graph to training mode.
func (g *Graph) Train() { g.training = true }

// Eval switches the graph to evaluation mode.
func (g *Graph) Eval() { g.training = false }

// Training reports whether the graph is in training mode.
func (g *Graph) Training() bool { return g.training }

// Seed reseeds the random source used by dropout.
func (g *Graph) Seed(seed int64) {
	//nolint:gosec // dropout masks are not security-critical
	g.rng = rand.New(rand.NewSource(seed))
}
