package model

// GenomeFormatVersion tags exported genome documents.
const GenomeFormatVersion = "neat_python_genome_v1"

type NodeGene struct {
	NodeID      int     `json:"node_id"`
	Activation  string  `json:"activation"`
	Aggregation string  `json:"aggregation"`
	Bias        float64 `json:"bias"`
	Response    float64 `json:"response"`
}

type ConnectionGene struct {
	InNode  int     `json:"in_node"`
	OutNode int     `json:"out_node"`
	Weight  float64 `json:"weight"`
	Enabled bool    `json:"enabled"`
}

// Genome is the evaluator-facing view of a NEAT genome. The evolutionary
// algorithm that produced it owns its semantics. Fitness is assigned by
// the dispatcher after each generation and is not part of the encoded
// document.
type Genome struct {
	Key         int
	InputKeys   []int
	OutputKeys  []int
	Nodes       map[int]NodeGene
	Connections []ConnectionGene
	Fitness     float64
}

func (g Genome) NumNodes() int {
	return len(g.Nodes)
}

// NumConnections counts enabled connections only.
func (g Genome) NumConnections() int {
	n := 0
	for _, c := range g.Connections {
		if c.Enabled {
			n++
		}
	}
	return n
}

func (g Genome) NumConnectionsTotal() int {
	return len(g.Connections)
}
