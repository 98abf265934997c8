package ml

// node is one entry of a flat binary tree. Left < 0 marks a leaf.
type node struct {
	Feature   int
	Threshold float64
	Left      int32
	Right     int32
	// Value is the leaf output: sample count for isolation trees,
	// weight for boosted trees.
	Value     float64
}

type tree []node

func (t tree) leaf(x []float64) (int, *node) {
	i := 0
	depth := 0
	for t[i].Left >= 0 {
		if x[t[i].Feature] < t[i].Threshold {
			i = int(t[i].Left)
		} else {
			i = int(t[i].Right)
		}
		depth++
	}
	return depth, &t[i]
}

func (t *tree) add(n node) int32 {
	*t = append(*t, n)
	return int32(len(*t) - 1)
}
