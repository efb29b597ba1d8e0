package tree

import (
	"fmt"
	"path"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// DrawGraph renders the tree as a graphviz graph: split nodes show
// their feature test, leaves show their output in a box.
func (t *RegressionTree) DrawGraph() (*graphviz.Graphviz, *cgraph.Graph, error) {
	gv := graphviz.New()
	graph, err := gv.Graph()
	if err != nil {
		return nil, nil, fmt.Errorf("tree: %w", err)
	}
	if err := drawNode(graph, t, 0, nil); err != nil {
		return nil, nil, err
	}
	return gv, graph, nil
}

func drawNode(graph *cgraph.Graph, t *RegressionTree, id int, parent *cgraph.Node) error {
	node, err := graph.CreateNode(fmt.Sprint(id))
	if err != nil {
		return fmt.Errorf("tree: %w", err)
	}
	if parent != nil {
		if _, err := graph.CreateEdge("", parent, node); err != nil {
			return fmt.Errorf("tree: %w", err)
		}
	}
	n := &t.Nodes[id]
	if n.IsLeaf() {
		node.Set("label", fmt.Sprintf("%.5f", n.Output))
		node.Set("shape", "box")
		return nil
	}
	node.Set("label", fmt.Sprintf("f_%d <= %6.5f", n.Feature, n.Threshold))
	if err := drawNode(graph, t, n.Left, node); err != nil {
		return err
	}
	return drawNode(graph, t, n.Right, node)
}

// RenderTrees writes every tree of the ensemble as one image file per
// tree under dir, named prefix_00000.format and so on. Supported
// formats: svg, png, jpg.
func (e *Ensemble) RenderTrees(prefix, format, dir string) error {
	kind, ok := map[string]graphviz.Format{
		"png": graphviz.PNG,
		"svg": graphviz.SVG,
		"jpg": graphviz.JPG,
	}[format]
	if !ok {
		return fmt.Errorf("tree: unsupported figure format %q", format)
	}
	for i := range e.members {
		gv, graph, err := e.members[i].tree.DrawGraph()
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%s_%05d.%s", prefix, i, format)
		err = gv.RenderFilename(graph, kind, path.Join(dir, name))
		graph.Close()
		gv.Close()
		if err != nil {
			return fmt.Errorf("tree: rendering %s: %w", name, err)
		}
	}
	return nil
}
