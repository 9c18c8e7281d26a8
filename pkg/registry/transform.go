package registry

import (
	"context"

	"github.com/coralhq/coral/pkg/types"
)

// TransformActivity renders an activity's entities in the given delivery
// format. Collection entities transform member by member.
func TransformActivity(ctx context.Context, reg *Registry, format string, activity types.Activity) (types.Activity, error) {
	for _, role := range types.Roles() {
		entity := activity.Role(role)
		if entity == nil {
			continue
		}
		transformed, err := transformEntity(ctx, reg, format, entity)
		if err != nil {
			return types.Activity{}, err
		}
		activity.SetRole(role, transformed)
	}
	return activity, nil
}

func transformEntity(ctx context.Context, reg *Registry, format string, entity types.Entity) (types.Entity, error) {
	if entity.ObjectType() != types.ObjectTypeCollection {
		return reg.TransformerFor(entity.ObjectType(), format)(ctx, entity)
	}
	members, _ := entity[types.PropCollection].([]types.Entity)
	transformed := make([]types.Entity, 0, len(members))
	for _, member := range members {
		t, err := reg.TransformerFor(member.ObjectType(), format)(ctx, member)
		if err != nil {
			return nil, err
		}
		transformed = append(transformed, t)
	}
	return types.CollectionEntity(transformed), nil
}
