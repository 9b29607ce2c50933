package query

import (
	"context"

	"github.com/entitykv/entitykv"
	"github.com/entitykv/entitykv/schema"
)

// resolveEagerOne force-materializes every eager relation configured on a
// single-result retrieval (FindFirst / FindUnique), which has no result
// index to check a prefix Limit against and so always resolves.
func resolveEagerOne(ctx context.Context, eager []schema.EagerSpec, entity any) error {
	for _, spec := range eager {
		if err := resolveRelation(ctx, spec.Relation, entity); err != nil {
			return err
		}
	}
	return nil
}

// resolveEagerIndexed is resolveEagerOne's counterpart for a result at a
// known index in a list, respecting each spec's prefix Limit.
func resolveEagerIndexed(ctx context.Context, eager []schema.EagerSpec, entity any, index int) error {
	for _, spec := range eager {
		if !spec.ShouldResolve(index) {
			continue
		}
		if err := resolveRelation(ctx, spec.Relation, entity); err != nil {
			return err
		}
	}
	return nil
}

func resolveRelation(ctx context.Context, rel schema.RelationDescriptor, entity any) error {
	switch {
	case rel.ToOneGetter != nil:
		ref := rel.ToOneGetter(entity)
		if ref == nil {
			return nil
		}
		return ref.Materialize(ctx)
	case rel.ToManyGetter != nil:
		ref := rel.ToManyGetter(entity)
		if ref == nil {
			return nil
		}
		return ref.Materialize(ctx)
	default:
		return entitykv.New(entitykv.ErrIllegalState, "relation descriptor "+rel.Name+" has neither a to-one nor a to-many getter")
	}
}
