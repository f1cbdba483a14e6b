package domain

// PickSuccessor selects the member to promote when the chat OWNER leaves:
// the first ADMIN by ascending joinedAt, falling back to the earliest-joined
// remaining member of any role. User id breaks joinedAt ties so the choice
// is deterministic. remaining must not include the leaving owner.
func PickSuccessor(remaining []ChatMember) (ChatMember, bool) {
	var best ChatMember
	found := false
	for _, m := range remaining {
		if !found {
			best = m
			found = true
			continue
		}
		if earlier(m, best) {
			best = m
		}
	}
	if !found {
		return ChatMember{}, false
	}
	return best, true
}

func earlier(a, b ChatMember) bool {
	aAdmin := a.Role == RoleAdmin
	bAdmin := b.Role == RoleAdmin
	if aAdmin != bAdmin {
		return aAdmin
	}
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.UserID < b.UserID
}
