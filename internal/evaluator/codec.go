package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"kflowerneat/internal/model"
)

const (
	defaultActivation  = "tanh"
	defaultAggregation = "sum"
)

var ErrGenomeFormat = errors.New("unsupported genome document")

// GenomeCodec converts genomes to and from the documents handed to the
// evaluator and written to checkpoints. Nothing else looks inside a genome.
type GenomeCodec interface {
	Encode(g model.Genome) ([]byte, error)
	Decode(data []byte, fallbackKey int) (model.Genome, error)
}

// NeatPythonCodec is the neat_python_genome_v1 GenomeCodec.
type NeatPythonCodec struct{}

func (NeatPythonCodec) Encode(g model.Genome) ([]byte, error) {
	return EncodeGenome(g)
}

func (NeatPythonCodec) Decode(data []byte, fallbackKey int) (model.Genome, error) {
	return DecodeGenome(data, fallbackKey)
}

// CodecOrDefault returns c, or NeatPythonCodec when c is nil.
func CodecOrDefault(c GenomeCodec) GenomeCodec {
	if c == nil {
		return NeatPythonCodec{}
	}
	return c
}

type genomeDocument struct {
	FormatVersion string                    `json:"format_version"`
	GenomeKey     *int                      `json:"genome_key,omitempty"`
	InputKeys     []int                     `json:"input_keys"`
	OutputKeys    []int                     `json:"output_keys"`
	Nodes         map[string]model.NodeGene `json:"nodes"`
	Connections   []model.ConnectionGene    `json:"connections"`
}

// EncodeGenome renders g as a neat_python_genome_v1 document.
func EncodeGenome(g model.Genome) ([]byte, error) {
	doc := genomeDocument{
		FormatVersion: model.GenomeFormatVersion,
		InputKeys:     append([]int{}, g.InputKeys...),
		OutputKeys:    append([]int{}, g.OutputKeys...),
		Nodes:         make(map[string]model.NodeGene, len(g.Nodes)),
		Connections:   append([]model.ConnectionGene{}, g.Connections...),
	}
	key := g.Key
	doc.GenomeKey = &key
	for id, node := range g.Nodes {
		node.NodeID = id
		if node.Activation == "" {
			node.Activation = defaultActivation
		}
		if node.Aggregation == "" {
			node.Aggregation = defaultAggregation
		}
		doc.Nodes[strconv.Itoa(id)] = node
	}
	for _, c := range g.Connections {
		if !finite(c.Weight) {
			return nil, fmt.Errorf("connection %d->%d has non-finite weight", c.InNode, c.OutNode)
		}
	}
	return json.Marshal(doc)
}

// DecodeGenome parses a neat_python_genome_v1 document. fallbackKey is used
// when the document carries no genome_key.
func DecodeGenome(data []byte, fallbackKey int) (model.Genome, error) {
	var doc genomeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.Genome{}, err
	}
	if doc.FormatVersion != model.GenomeFormatVersion {
		return model.Genome{}, fmt.Errorf("%w: format_version %q", ErrGenomeFormat, doc.FormatVersion)
	}
	g := model.Genome{
		Key:         fallbackKey,
		InputKeys:   doc.InputKeys,
		OutputKeys:  doc.OutputKeys,
		Nodes:       make(map[int]model.NodeGene, len(doc.Nodes)),
		Connections: doc.Connections,
	}
	if doc.GenomeKey != nil {
		g.Key = *doc.GenomeKey
	}
	ids := make([]string, 0, len(doc.Nodes))
	for id := range doc.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		node := doc.Nodes[id]
		n, err := strconv.Atoi(id)
		if err != nil {
			return model.Genome{}, fmt.Errorf("%w: node key %q", ErrGenomeFormat, id)
		}
		node.NodeID = n
		if node.Activation == "" {
			node.Activation = defaultActivation
		}
		if node.Aggregation == "" {
			node.Aggregation = defaultAggregation
		}
		g.Nodes[n] = node
	}
	return g, nil
}
