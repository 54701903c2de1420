package credits

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// SnowflakeGenerator issues time-ordered transaction numbers for one node.
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator creates a generator for the given node id (0..1023).
func NewSnowflakeGenerator(nodeID int64) (*SnowflakeGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("%w: snowflake node %d: %w", ErrInvalidServiceConfig, nodeID, err)
	}
	return &SnowflakeGenerator{node: node}, nil
}

// NextID returns the next transaction number.
func (generator *SnowflakeGenerator) NextID() TransactionID {
	return TransactionID(generator.node.Generate().Int64())
}
