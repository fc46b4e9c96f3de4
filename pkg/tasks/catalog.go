package tasks

// Kind selects how completion is tracked.
type Kind int

const (
	// OneShot tasks complete once per account.
	OneShot Kind = iota
	// Daily tasks complete up to a per-day cap and keep a single row.
	Daily
)

const (
	NotificationPermission = "notification_permission"
	ViewAdsDaily           = "view_ads_daily"
	WhatsAppFollow         = "whatsapp_follow"
	TelegramFollow         = "telegram_follow"
	ReferralMilestone      = "referral_milestone"
	WatchAdsVideo          = "watch_ads_video"
)

// Task is a catalog entry.
type Task struct {
	ID          string
	Title       string
	Description string
	Link        string
	Reward      int64
	Kind        Kind
	// MinReferrals gates completion on the account's referral count.
	MinReferrals int
}

// Catalog is the ordered list of tasks shown to users.
type Catalog []Task

// Find returns the task with id.
func (c Catalog) Find(id string) (Task, bool) {
	for _, t := range c {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// DefaultCatalog returns the built-in tasks. referralMilestone is the referral
// count needed for the milestone task.
func DefaultCatalog(referralMilestone int) Catalog {
	return Catalog{
		{
			ID:          NotificationPermission,
			Title:       "Enable Notifications",
			Description: "Allow site notifications to earn 2 coins",
			Reward:      2,
			Kind:        OneShot,
		},
		{
			ID:          ViewAdsDaily,
			Title:       "View Ads",
			Description: "Watch ads for 5 seconds to earn 1 coin",
			Reward:      1,
			Kind:        Daily,
		},
		{
			ID:          WhatsAppFollow,
			Title:       "Follow us on WhatsApp",
			Description: "Join our WhatsApp channel to earn 1 coin",
			Link:        "https://whatsapp.com/channel/0029VarnKCp2YlEkLSeF2M0F",
			Reward:      1,
			Kind:        OneShot,
		},
		{
			ID:          TelegramFollow,
			Title:       "Follow us on Telegram",
			Description: "Join our Telegram channel to earn 1 coin",
			Link:        "https://t.me/yourhighnesstech1",
			Reward:      1,
			Kind:        OneShot,
		},
		{
			ID:           ReferralMilestone,
			Title:        "Refer Friends",
			Description:  "Reach the referral milestone to earn 2 coins",
			Reward:       2,
			Kind:         OneShot,
			MinReferrals: referralMilestone,
		},
		{
			ID:          WatchAdsVideo,
			Title:       "Watch 3 Video Ads",
			Description: "Watch 3 video advertisements to earn 2 coins",
			Reward:      2,
			Kind:        OneShot,
		},
	}
}
