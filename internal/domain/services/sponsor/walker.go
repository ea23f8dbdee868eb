// Package sponsor resolves referral ancestry from the customer directory.
package sponsor

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rail-service/ledger_engine/internal/domain/entities"
	domainerrors "github.com/rail-service/ledger_engine/internal/domain/errors"
	"github.com/rail-service/ledger_engine/pkg/logger"
)

// DefaultMaxDepth bounds the walk when the directory holds corrupted data
const DefaultMaxDepth = 1000

// NodeSource returns one node of the referral tree
type NodeSource interface {
	GetNode(ctx context.Context, customerID uuid.UUID) (*entities.SponsorNode, error)
}

// Walker follows sponsor links upward one lookup at a time
type Walker struct {
	nodes    NodeSource
	maxDepth int
	logger   *logger.Logger
}

// NewWalker creates a walker. maxDepth <= 0 uses DefaultMaxDepth.
func NewWalker(nodes NodeSource, maxDepth int, logger *logger.Logger) *Walker {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Walker{nodes: nodes, maxDepth: maxDepth, logger: logger}
}

// Node returns the customer's own node
func (w *Walker) Node(ctx context.Context, customerID uuid.UUID) (*entities.SponsorNode, error) {
	node, err := w.nodes.GetNode(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", customerID, err)
	}
	return node, nil
}

// Chain returns the ancestors of customerID, nearest first, with 1-based floors.
// A cycle or a chain longer than maxDepth stops the walk and returns what was
// collected so far.
func (w *Walker) Chain(ctx context.Context, customerID uuid.UUID) (entities.SponsorChain, error) {
	node, err := w.Node(ctx, customerID)
	if err != nil {
		return nil, err
	}

	visited := map[uuid.UUID]struct{}{customerID: {}}
	chain := entities.SponsorChain{}
	next := node.SponsorID

	for next != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, seen := visited[*next]; seen {
			w.logger.Error("Sponsor cycle detected",
				"customer_id", customerID,
				"repeated_id", *next,
				"floor", len(chain)+1)
			break
		}
		if len(chain) >= w.maxDepth {
			w.logger.Error("Sponsor chain exceeds max depth",
				"customer_id", customerID,
				"max_depth", w.maxDepth)
			break
		}

		parent, err := w.nodes.GetNode(ctx, *next)
		if err != nil {
			if domainerrors.IsNotFound(err) {
				w.logger.Warn("Sponsor missing from directory",
					"customer_id", customerID,
					"sponsor_id", *next)
				break
			}
			return nil, fmt.Errorf("get sponsor %s: %w", *next, err)
		}

		visited[parent.CustomerID] = struct{}{}
		chain = append(chain, entities.Ancestor{SponsorNode: *parent, Floor: len(chain) + 1})
		next = parent.SponsorID
	}

	return chain, nil
}
