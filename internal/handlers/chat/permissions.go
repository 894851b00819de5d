package handlers

import api "github.com/OvyFlash/telegram-bot-api"

func isPrivileged(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	return member.IsCreator() || member.IsAdministrator()
}

// isSubscribed maps a channel membership record to a subscription verdict.
// A restricted member still counts while they remain in the channel.
func isSubscribed(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	switch member.Status {
	case "creator", "administrator", "member":
		return true
	case "restricted":
		return member.IsMember
	default:
		return false
	}
}
