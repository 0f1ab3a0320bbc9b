// Package snowflake generates time-ordered 63-bit order ids.
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in milliseconds.
	Epoch int64 = 1704067200000

	// NodeBits and StepBits share the low 22 bits.
	NodeBits uint8 = 10
	StepBits uint8 = 12

	MaxNode int64 = -1 ^ (-1 << NodeBits)

	stepMask  = -1 ^ (-1 << StepBits)
	timeShift = NodeBits + StepBits
	nodeShift = StepBits

	// maxBackwardWait is how far the wall clock may step back before NextID gives up.
	maxBackwardWait = 5 * time.Millisecond
)

// ErrClockBackwards is returned when the clock moved back past the tolerance.
var ErrClockBackwards = errors.New("snowflake: clock moved backwards")

// Generator snowflake id generator, safe for concurrent use
type Generator struct {
	mu        sync.Mutex
	now       func() time.Time
	timestamp int64
	nodeID    int64
	step      int64
}

// NewGenerator creates a generator for one node. Every running instance
// needs a distinct node id.
func NewGenerator(nodeID int64) (*Generator, error) {
	return newGenerator(nodeID, time.Now)
}

func newGenerator(nodeID int64, now func() time.Time) (*Generator, error) {
	if nodeID < 0 || nodeID > MaxNode {
		return nil, fmt.Errorf("snowflake: node id %d out of range [0, %d]", nodeID, MaxNode)
	}
	return &Generator{now: now, nodeID: nodeID}, nil
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli()
}

// NextID returns a new id, strictly greater than any id this generator
// returned before.
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.millis()
	if now < g.timestamp {
		if time.Duration(g.timestamp-now)*time.Millisecond > maxBackwardWait {
			return 0, fmt.Errorf("%w by %dms", ErrClockBackwards, g.timestamp-now)
		}
		for now < g.timestamp {
			time.Sleep(time.Millisecond)
			now = g.millis()
		}
	}

	if now == g.timestamp {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			// sequence exhausted, wait for next millisecond
			for now <= g.timestamp {
				now = g.millis()
			}
		}
	} else {
		g.step = 0
	}

	g.timestamp = now
	id := ((now - Epoch) << timeShift) | (g.nodeID << nodeShift) | g.step
	return uint64(id), nil
}

// Parts decodes an id into its creation time, node and sequence step.
func Parts(id uint64) (created time.Time, nodeID int64, step int64) {
	v := int64(id)
	step = v & stepMask
	nodeID = (v >> nodeShift) & MaxNode
	created = time.UnixMilli((v >> timeShift) + Epoch).UTC()
	return
}
