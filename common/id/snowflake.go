package id

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
	mu   sync.Mutex
)

// Init initializes the Snowflake node with the given node ID.
// Servers, workers and CLIs must use distinct node IDs.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new globally unique int64 ID using the Snowflake algorithm.
// IDs are time-ordered, which the queue relies on for oldest-first claims.
// Falls back to node 0 when Init was never called (tests, one-off CLIs).
func New() int64 {
	mu.Lock()
	if node == nil {
		n, err := snowflake.NewNode(0)
		if err != nil {
			mu.Unlock()
			panic(fmt.Sprintf("snowflake node 0: %v", err))
		}
		node = n
	}
	current := node
	mu.Unlock()
	return current.Generate().Int64()
}
