package i18n

// 用户可见错误文案
// 积分核心只需要少量提示语，完整的翻译管理属于独立的翻译服务，
// 这里只做一个带回退的查表
const (
	KeyInsufficientBalance = "credits.insufficient_balance"
	KeyAccountNotFound     = "credits.account_not_found"
	KeyInvalidAmount       = "credits.invalid_amount"
	KeyTooSoonToReload     = "credits.too_soon_to_reload"
	KeyStorageUnavailable  = "credits.storage_unavailable"
)

var messages = map[string]map[string]string{
	"zh-CN": {
		KeyInsufficientBalance: "积分余额不足，请等待重置或购买积分",
		KeyAccountNotFound:     "积分账户不存在",
		KeyInvalidAmount:       "积分数量不合法",
		KeyTooSoonToReload:     "距离上次重置时间太短，请稍后再试",
		KeyStorageUnavailable:  "服务暂时不可用，请稍后重试",
	},
	"en-US": {
		KeyInsufficientBalance: "insufficient credits, wait for the next reset or purchase more",
		KeyAccountNotFound:     "credit account not found",
		KeyInvalidAmount:       "invalid credit amount",
		KeyTooSoonToReload:     "reloaded too recently, try again later",
		KeyStorageUnavailable:  "service temporarily unavailable, try again later",
	},
}

// T 查找指定语言的文案，语言或 key 缺失时回退到 zh-CN
func T(lang, key string) string {
	if m, ok := messages[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	return messages["zh-CN"][key]
}
