package storage

import (
	"context"

	"github.com/ruleforge/ruleforge/internal/types"
)

// RuleRepository is the persistence API for rules and building blocks. It is
// implemented by the SQLite store and by the remote client.
type RuleRepository interface {
	CreateRule(ctx context.Context, rule types.RulePayload) (string, error)
	UpdateRule(ctx context.Context, id string, rule types.RulePayload) (types.RulePayload, error)
	GetRule(ctx context.Context, id string) (types.RulePayload, error)
	ListRules(ctx context.Context) ([]types.RulePayload, error)
	DeleteRule(ctx context.Context, id string) error

	CreateBuildingBlock(ctx context.Context, bb types.BuildingBlockPayload) (string, error)
	UpdateBuildingBlock(ctx context.Context, id string, bb types.BuildingBlockPayload) (types.BuildingBlockPayload, error)
	GetBuildingBlock(ctx context.Context, id string) (types.BuildingBlockPayload, error)
	ListBuildingBlocks(ctx context.Context) ([]types.BuildingBlockPayload, error)
	DeleteBuildingBlock(ctx context.Context, id string) error
}

// DefaultActor is recorded when no actor is attached to the context.
const DefaultActor = "ruleforge"

type actorKey struct{}

// WithActor attaches the name recorded in metadata and the audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor attached to ctx, or DefaultActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return DefaultActor
}
