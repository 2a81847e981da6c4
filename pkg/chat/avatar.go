package chat

import "math/rand/v2"

// DefaultAvatar is returned for names that do not belong to a user.
const DefaultAvatar = "/images/avatars/default.png"

// Avatars is the fixed set a new user's avatar is drawn from.
var Avatars = []string{
	"/images/avatars/avatar-1.png",
	"/images/avatars/avatar-2.png",
	"/images/avatars/avatar-3.png",
	"/images/avatars/avatar-4.png",
	"/images/avatars/avatar-5.png",
	"/images/avatars/avatar-6.png",
	"/images/avatars/avatar-7.png",
	"/images/avatars/avatar-8.png",
}

func randomAvatar() string {
	return Avatars[rand.IntN(len(Avatars))]
}
