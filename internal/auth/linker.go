package auth

import "context"

// Linker resolves an external directory profile to a local user. It is shared
// by single-user Feishu login and by bulk directory sync.
type Linker struct {
	store Store
}

func NewLinker(store Store) *Linker {
	return &Linker{store: store}
}

// Resolve looks up a local user for the profile and creates or updates one.
//
// The lookup is an ordered two-step OR: first by feishu_id against the
// profile's OpenID, then, only without a match, by feishu_union_id against
// its UnionID, so tie-break order stays deterministic. A new user starts with
// no role and approved status. For an existing user the freshly fetched
// display attributes win over local values; role and status are never
// touched, so a rejected match stays rejected for the caller to refuse.
func (l *Linker) Resolve(ctx context.Context, profile ExternalProfile) (*User, bool, error) {
	if profile.OpenID == "" {
		return nil, false, ErrInvalidInput
	}
	users := l.store.Users(ctx)

	user, err := users.FindByFeishuID(ctx, profile.OpenID)
	if err == ErrNotFound && profile.UnionID != "" {
		user, err = users.FindByFeishuUnionID(ctx, profile.UnionID)
	}
	switch err {
	case nil:
		if err := users.UpdateProfile(ctx, user.ID, profile.Name, profile.Phone, profile.Avatar); err != nil {
			return nil, false, err
		}
		user, err = users.Find(ctx, user.ID)
		if err != nil {
			return nil, false, err
		}
		return user, false, nil
	case ErrNotFound:
		user = &User{
			Email:         profile.Email,
			Name:          profile.Name,
			Phone:         profile.Phone,
			Avatar:        profile.Avatar,
			Status:        StatusApproved,
			FeishuID:      profile.OpenID,
			FeishuUnionID: profile.UnionID,
		}
		if err := users.Create(ctx, user); err != nil {
			return nil, false, err
		}
		return user, true, nil
	default:
		return nil, false, err
	}
}
