package envelope

import "regexp"

const (
	userChannelPrefix = "notifications:"
	typeChannelPrefix = "notification_type:"
)

var typeNameRegex = regexp.MustCompile(`^[\w-]+$`)

// UserChannel returns the personal channel name for a user.
func UserChannel(userId string) string {
	return userChannelPrefix + userId
}

// TypeChannel returns the shared channel name for a notification type.
func TypeChannel(notificationType string) string {
	return typeChannelPrefix + notificationType
}

// ValidTypeName reports whether a client-supplied notification type can be
// mapped to a channel name.
func ValidTypeName(notificationType string) bool {
	return typeNameRegex.MatchString(notificationType)
}
