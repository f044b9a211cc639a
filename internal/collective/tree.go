package collective

import "github.com/pmixstepd/coll/internal/jobinfo"

// Tree describes one node's position in a reverse fan-in tree built over
// a participating hostlist.
type Tree struct {
	ParentHost      string // empty if this node is the root
	IsRoot          bool
	ChildrenNodeIDs []int
	Depth           int
	MaxDepth        int
}

// BuildTree derives this node's position in the reverse collective tree
// spanning hostlist, using width as the tree fan-out. nodeID is this
// node's index within hostlist. Root is hostlist[0].
func BuildTree(hostlist []string, nodeID, width int) Tree {
	parent, depth, maxDepth := jobinfo.ReverseTreeInfo(nodeID, len(hostlist), width)
	children := jobinfo.ReverseTreeDirectChildren(nodeID, len(hostlist), width)

	t := Tree{
		ChildrenNodeIDs: children,
		Depth:           depth,
		MaxDepth:        maxDepth,
	}
	if parent == -1 {
		t.IsRoot = true
	} else {
		t.ParentHost = hostlist[parent]
	}
	return t
}
