// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pulsar Contributors

package access

// Permission ids registered by the default seed. Plugins reference these
// instead of string literals.
const (
	PermForumView           = "forum.view"
	PermForumPostCreate     = "forum.post.create"
	PermForumPostDouble     = "forum.post.double"
	PermForumThreadCreate   = "forum.thread.create"
	PermForumPostLocked     = "forum.thread.post_locked"
	PermForumPostEdit       = "forum.post.edit"
	PermForumPostDelete     = "forum.post.delete"
	PermForumThreadEdit     = "forum.thread.edit"
	PermForumThreadDelete   = "forum.thread.delete"
	PermForumBan            = "forum.ban"
	PermForumManage         = "forum.manage"
	PermWikiView            = "wiki.view"
	PermWikiEdit            = "wiki.edit"
	PermWikiPageCreate      = "wiki.page.create"
	PermWikiPageDelete      = "wiki.page.delete"
	PermMessageSend         = "message.send"
	PermMessageView         = "message.view"
	PermMessageViewOthers   = "message.view_others"
	PermAdminUsersView      = "admin.users.view"
	PermAdminUsersPassword  = "admin.users.password"
	PermAdminSessionsExpire = "admin.sessions.expire"
	PermAdminInvitesSend    = "admin.invites.send"
	PermAdminInvitesRevoke  = "admin.invites.revoke"
	PermAdminAPIKeysRevoke  = "admin.api_keys.revoke"
	PermRulesView           = "rules.view"
	PermRulesPermissions    = "rules.permissions.view"
	PermRulesManage         = "rules.manage"
	PermRulesAuditView      = "rules.audit.view"
)

// lockedPowers may still be used by a locked account: reading the rules
// and the forums so the user can see why they were locked.
var lockedPowers = []string{
	PermRulesView,
	PermForumView,
}

// DefaultLockedPermissions returns the permissions a locked subject keeps
// when the configuration does not name any.
func DefaultLockedPermissions() []string {
	return append([]string(nil), lockedPowers...)
}
