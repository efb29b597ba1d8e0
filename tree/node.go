// Package tree implements histogram-driven regression trees and the
// weighted tree ensemble they accumulate into. Trees are stored as
// index-linked node arenas; a tree owns its arena and every node in
// it, while parent links are plain indices used for bookkeeping only.
package tree

import (
	"github.com/marsStoneS/quickrank/data"
)

// NoNode marks an absent arena link.
const NoNode = -1

// Node is one arena slot: an internal node when Feature >= 0, a leaf
// otherwise.
type Node struct {
	Feature   int     `json:"feature"` // -1 for a leaf
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Parent    int     `json:"-"`
	Depth     int     `json:"-"`
	Output    float64 `json:"output,omitempty"`
	Deviance  float64 `json:"-"`
	Count     int     `json:"-"`
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return n.Left == NoNode }

func newLeaf(parent, depth int) Node {
	return Node{
		Feature: -1,
		Left:    NoNode,
		Right:   NoNode,
		Parent:  parent,
		Depth:   depth,
	}
}

// scoreFrom routes one instance down the arena starting at node id
// and returns the reached leaf output.
func scoreFrom(nodes []Node, id int, ds *data.Dataset, instance int) float64 {
	for !nodes[id].IsLeaf() {
		if ds.Feature(instance, nodes[id].Feature) <= nodes[id].Threshold {
			id = nodes[id].Left
		} else {
			id = nodes[id].Right
		}
	}
	return nodes[id].Output
}

// scoreVectorFrom is scoreFrom over a plain feature vector.
func scoreVectorFrom(nodes []Node, id int, features []float64) float64 {
	for !nodes[id].IsLeaf() {
		if features[nodes[id].Feature] <= nodes[id].Threshold {
			id = nodes[id].Left
		} else {
			id = nodes[id].Right
		}
	}
	return nodes[id].Output
}
