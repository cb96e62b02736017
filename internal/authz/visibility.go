package authz

import (
	"context"
	"fmt"
	"sort"
)

// VisibilityStore is the read surface the hierarchy resolver needs: who
// administers what, and who belongs where.
type VisibilityStore interface {
	IsSystemAdmin(ctx context.Context, userID int64) (bool, error)
	AllActiveUserIDs(ctx context.Context) ([]int64, error)
	// AdminContextIDs lists the context ids where the user holds a usable
	// role of the given context type at or above minLevel.
	AdminContextIDs(ctx context.Context, userID int64, contextType ContextType, minLevel int) ([]int64, error)
	UsersUnderCompanies(ctx context.Context, companyIDs []int64) ([]int64, error)
	UsersInEstablishments(ctx context.Context, establishmentIDs []int64) ([]int64, error)
	ColleagueIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Visibility answers "which users can this user see and manage". It is a
// strict first-match hierarchy: exactly one tier produces the whole result.
type Visibility struct {
	store VisibilityStore
}

// NewVisibility constructs the hierarchy resolver.
func NewVisibility(store VisibilityStore) *Visibility {
	return &Visibility{store: store}
}

// AccessibleUsers computes the visibility set for the requesting user.
func (v *Visibility) AccessibleUsers(ctx context.Context, requestingUserID int64) ([]AccessibleUser, error) {
	admin, err := v.store.IsSystemAdmin(ctx, requestingUserID)
	if err != nil {
		return nil, fmt.Errorf("authz: visibility admin check: %w", err)
	}
	if admin {
		ids, err := v.store.AllActiveUserIDs(ctx)
		if err != nil {
			return nil, err
		}
		return buildSet(ids, AccessFull, "system_admin"), nil
	}

	companyIDs, err := v.store.AdminContextIDs(ctx, requestingUserID, ContextCompany, CompanyAdminLevel)
	if err != nil {
		return nil, err
	}
	if len(companyIDs) > 0 {
		ids, err := v.store.UsersUnderCompanies(ctx, companyIDs)
		if err != nil {
			return nil, err
		}
		return buildSet(withSelf(ids, requestingUserID), AccessCompany, "company_admin"), nil
	}

	establishmentIDs, err := v.store.AdminContextIDs(ctx, requestingUserID, ContextEstablishment, EstablishmentAdminLevel)
	if err != nil {
		return nil, err
	}
	if len(establishmentIDs) > 0 {
		ids, err := v.store.UsersInEstablishments(ctx, establishmentIDs)
		if err != nil {
			return nil, err
		}
		return buildSet(withSelf(ids, requestingUserID), AccessEstablishment, "establishment_admin"), nil
	}

	colleagues, err := v.store.ColleagueIDs(ctx, requestingUserID)
	if err != nil {
		return nil, err
	}
	result := []AccessibleUser{{UserID: requestingUserID, AccessLevel: AccessSelf, Reason: "self"}}
	for _, id := range dedupe(colleagues) {
		if id == requestingUserID {
			continue
		}
		result = append(result, AccessibleUser{UserID: id, AccessLevel: AccessEstablishment, Reason: "colleague"})
	}
	return result, nil
}

func buildSet(ids []int64, level AccessLevel, reason string) []AccessibleUser {
	out := make([]AccessibleUser, 0, len(ids))
	for _, id := range dedupe(ids) {
		out = append(out, AccessibleUser{UserID: id, AccessLevel: level, Reason: reason})
	}
	return out
}

func withSelf(ids []int64, self int64) []int64 {
	for _, id := range ids {
		if id == self {
			return ids
		}
	}
	return append(ids, self)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
