// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package access

import (
	"strings"

	"github.com/samber/oops"

	"github.com/pulsarhq/pulsar/internal/access/rules/types"
)

// ForumResource returns the key for one forum.
// It panics if forumID is empty, since an empty id would address nothing.
func ForumResource(forumID string) types.ResourceKey {
	if forumID == "" {
		panic("access.ForumResource: empty forumID would create invalid resource reference")
	}
	return types.NewResource(types.ScopeForum, forumID)
}

// WikiResource returns the key for one wiki page.
// It panics if pageID is empty.
func WikiResource(pageID string) types.ResourceKey {
	if pageID == "" {
		panic("access.WikiResource: empty pageID would create invalid resource reference")
	}
	return types.NewResource(types.ScopeWiki, pageID)
}

// MessageResource returns the key for one conversation.
// It panics if conversationID is empty.
func MessageResource(conversationID string) types.ResourceKey {
	if conversationID == "" {
		panic("access.MessageResource: empty conversationID would create invalid resource reference")
	}
	return types.NewResource(types.ScopeMessage, conversationID)
}

// AdminResource returns the key for the administrative area.
func AdminResource() types.ResourceKey {
	return types.CategoryResource(types.ScopeAdmin)
}

// ParseResource parses "global", "forum:*" or "forum:12". Whitespace around
// the reference is ignored.
func ParseResource(ref string) (types.ResourceKey, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return types.ResourceKey{}, oops.
			Code(types.CodeUnknownResource).
			With("ref", ref).
			Errorf("empty resource reference")
	}
	key, err := types.ParseResourceKey(ref)
	if err != nil {
		return types.ResourceKey{}, oops.With("ref", ref).Wrap(err)
	}
	return key, nil
}
