package jobinfo

// ReverseTreeInfo computes this node's position in a width-ary reverse
// fan-in tree spanning nodes nodes, numbered 0..nodes-1 with node 0 as
// root. It returns the parent node id (-1 for the root), the depth of
// node within the tree (root is depth 0), and the tree's maximum depth.
//
// The tree assigns node i's parent as (i-1)/width, the same scheme the
// reverse-tree topology this collective engine builds on uses: node 0 is
// the root, nodes 1..width are its direct children, and so on.
func ReverseTreeInfo(node, nodes, width int) (parent, depth, maxDepth int) {
	if width < 1 {
		width = 1
	}
	if node == 0 {
		parent = -1
	} else {
		parent = (node - 1) / width
	}

	depth = nodeDepth(node, width)

	maxDepth = 0
	for n := 0; n < nodes; n++ {
		if d := nodeDepth(n, width); d > maxDepth {
			maxDepth = d
		}
	}
	return parent, depth, maxDepth
}

func nodeDepth(node, width int) int {
	d := 0
	for node > 0 {
		node = (node - 1) / width
		d++
	}
	return d
}

// ReverseTreeDirectChildren returns the node ids whose parent is node,
// among nodes total nodes in a width-ary reverse tree.
func ReverseTreeDirectChildren(node, nodes, width int) []int {
	if width < 1 {
		width = 1
	}
	var children []int
	first := node*width + 1
	last := first + width - 1
	for c := first; c <= last && c < nodes; c++ {
		children = append(children, c)
	}
	return children
}
