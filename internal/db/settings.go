package db

const (
	defaultMaxSubscriptionFails = 3
	defaultMuteMinutes          = 30
)

func DefaultSettings(chatID int64) *Settings {
	return &Settings{
		ID:                       chatID,
		CaptchaEnabled:           true,
		SubscriptionCheckEnabled: true,
		MaxSubscriptionFails:     defaultMaxSubscriptionFails,
		MuteMinutes:              defaultMuteMinutes,
	}
}
