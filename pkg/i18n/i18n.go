package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	AdminSeeded        string
	AdminSeedFailed    string
	ModeSelected       string
	SnapshotDBEnabled  string
	SnapshotDBFailed   string
	SettingsLoadFailed string
	VaultInitFailed    string

	// Auth
	LoginSucceeded   string
	TokenRefreshed   string
	PasswordChanged  string
	AccountLockedLog string

	// Engine
	EngineStarted      string
	EngineStopped      string
	EngineRestarted    string
	EngineNotStarted   string
	EngineStatusOK     string
	EngineStartFailed  string
	EngineProbeFailed  string
	EngineFoundRunning string
	PositionClosed     string
	EngineIdleCleanup  string
	EventIngested      string
	EngineCredsMissing string
	EngineStartedLog   string
	EngineStoppedLog   string

	// Reads
	BalanceOK        string
	BalanceEmpty     string
	PositionsOK      string
	TradesOK         string
	TradeOK          string
	DecisionsOK      string
	StatisticsOK     string
	OverviewOK       string
	SourceFailed     string
	AllSourcesFailed string

	// Config & vault
	ConfigLoadedOK      string
	ConfigUpdated       string
	ValidationPassed    string
	ValidationSoftPass  string
	CredentialsStored   string
	VaultStoreFailed    string
	VaultKeyGenerated   string
	VaultKeyRotated     string
	ProviderCallFailed  string
	PayloadDecryptError string

	// Users
	UsersListed string
	UserCreated string
	UserDeleted string

	// WebSocket
	WSConnected      string
	WSDisconnected   string
	WSRefused        string
	WSWriteError     string
	WSEventDropped   string
	HealthOK         string
	RateLimitExceeds string
	RequestTimedOut  string
}

var (
	mu          sync.RWMutex
	currentLang Language = LangEN
	messages    *Messages
)

var messagesEN = Messages{
	Starting:           "Starting trading bridge...",
	ConfigLoaded:       "Config loaded, port %s",
	UsingDBPath:        "Using bridge DB path: %s",
	ServerListening:    "API server listening on :%s",
	ShuttingDown:       "Shutting down...",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to open database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	AdminSeeded:        "Seeded admin user %s",
	AdminSeedFailed:    "Failed to seed admin user: %v",
	ModeSelected:       "Deployment mode: %s, engine backend: %s",
	SnapshotDBEnabled:  "Engine snapshot database connected",
	SnapshotDBFailed:   "Engine snapshot database unavailable: %v",
	SettingsLoadFailed: "Failed to load settings schema: %v",
	VaultInitFailed:    "Failed to initialize credential vault: %v",

	LoginSucceeded:   "Login successful",
	TokenRefreshed:   "Token refreshed",
	PasswordChanged:  "Password changed",
	AccountLockedLog: "Account %s locked after %d failed attempts",

	EngineStarted:      "Trading system started",
	EngineStopped:      "Trading system stopped",
	EngineRestarted:    "Trading system restarted",
	EngineNotStarted:   "System not started",
	EngineStatusOK:     "Status retrieved",
	EngineStartFailed:  "Engine start failed for %s: %v",
	EngineProbeFailed:  "Engine health probe failed: %v",
	EngineFoundRunning: "Engine already running (mode %s, %d symbols)",
	PositionClosed:     "Position closed",
	EngineIdleCleanup:  "Removed %d idle engine handles",
	EventIngested:      "Event accepted",
	EngineCredsMissing: "No stored %s credentials for %s, starting without them",
	EngineStartedLog:   "engine %q started mode=%s symbols=%v",
	EngineStoppedLog:   "engine %q stopped",

	BalanceOK:        "Balance retrieved",
	BalanceEmpty:     "No balance data",
	PositionsOK:      "Retrieved %d positions",
	TradesOK:         "Retrieved %d trades",
	TradeOK:          "Trade retrieved",
	DecisionsOK:      "Retrieved %d AI decisions",
	StatisticsOK:     "Statistics retrieved",
	OverviewOK:       "Dashboard data loaded",
	SourceFailed:     "source %s failed for %s: %v",
	AllSourcesFailed: "All data sources failed",

	ConfigLoadedOK:      "Configuration retrieved",
	ConfigUpdated:       "%s configuration updated",
	ValidationPassed:    "Validation passed",
	ValidationSoftPass:  "Key recognized, provider rate limited the check",
	CredentialsStored:   "stored credentials owner=%s provider=%s env=%s key=%s",
	VaultStoreFailed:    "vault store failed owner=%s provider=%s env=%s: %v",
	VaultKeyGenerated:   "Generated vault wrapping key (%d bits)",
	VaultKeyRotated:     "Re-encrypted vault wrapping key to key version %d",
	ProviderCallFailed:  "provider %s call failed: %v",
	PayloadDecryptError: "client payload decryption failed for %s",

	UsersListed: "Users retrieved",
	UserCreated: "User '%s' created",
	UserDeleted: "User '%s' deleted",

	WSConnected:      "ws connected user=%s conns=%d",
	WSDisconnected:   "ws disconnected user=%s conns=%d",
	WSRefused:        "ws handshake refused: %v",
	WSWriteError:     "ws write error user=%s: %v",
	WSEventDropped:   "ws queue full, dropped %s for user=%s",
	HealthOK:         "healthy",
	RateLimitExceeds: "too many requests, please slow down",
	RequestTimedOut:  "request took too long to process",
}

var messagesZH = Messages{
	Starting:           "交易橋接服務啟動中...",
	ConfigLoaded:       "設定已載入，埠號 %s",
	UsingDBPath:        "使用橋接資料庫路徑：%s",
	ServerListening:    "API 伺服器監聽於 :%s",
	ShuttingDown:       "正在關閉...",
	ConfigLoadFailed:   "載入設定失敗：%v",
	DBInitFailed:       "開啟資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",
	AdminSeeded:        "已建立管理員帳號 %s",
	AdminSeedFailed:    "建立管理員帳號失敗：%v",
	ModeSelected:       "部署模式：%s，引擎後端：%s",
	SnapshotDBEnabled:  "已連線引擎快照資料庫",
	SnapshotDBFailed:   "引擎快照資料庫不可用：%v",
	SettingsLoadFailed: "載入設定結構失敗：%v",
	VaultInitFailed:    "初始化憑證保險庫失敗：%v",

	LoginSucceeded:   "登入成功",
	TokenRefreshed:   "令牌已刷新",
	PasswordChanged:  "密碼已更新",
	AccountLockedLog: "帳號 %s 連續失敗 %d 次，已鎖定",

	EngineStarted:      "交易系統已啟動",
	EngineStopped:      "交易系統已停止",
	EngineRestarted:    "交易系統已重啟",
	EngineNotStarted:   "系統未啟動",
	EngineStatusOK:     "獲取狀態成功",
	EngineStartFailed:  "為 %s 啟動引擎失敗：%v",
	EngineProbeFailed:  "引擎健康檢查失敗：%v",
	EngineFoundRunning: "引擎已在運行（模式 %s，%d 個交易對）",
	PositionClosed:     "持倉已平倉",
	EngineIdleCleanup:  "已移除 %d 個閒置引擎實例",
	EventIngested:      "事件已接收",
	EngineCredsMissing: "%s 憑證未設定（使用者 %s），以無憑證方式啟動",
	EngineStartedLog:   "引擎 %q 已啟動 mode=%s symbols=%v",
	EngineStoppedLog:   "引擎 %q 已停止",

	BalanceOK:        "獲取餘額成功",
	BalanceEmpty:     "暫無餘額數據",
	PositionsOK:      "獲取到 %d 個持倉",
	TradesOK:         "獲取到 %d 條交易記錄",
	TradeOK:          "獲取交易成功",
	DecisionsOK:      "獲取到 %d 條AI決策",
	StatisticsOK:     "獲取統計成功",
	OverviewOK:       "儀表板數據加載成功",
	SourceFailed:     "資料來源 %s 查詢 %s 失敗：%v",
	AllSourcesFailed: "所有資料來源皆不可用",

	ConfigLoadedOK:      "獲取配置成功",
	ConfigUpdated:       "%s 配置更新成功",
	ValidationPassed:    "驗證成功",
	ValidationSoftPass:  "密鑰有效，但供應商限流未能完成檢查",
	CredentialsStored:   "已儲存憑證 owner=%s provider=%s env=%s key=%s",
	VaultStoreFailed:    "保險庫儲存失敗 owner=%s provider=%s env=%s：%v",
	VaultKeyGenerated:   "已產生保險庫包裝金鑰（%d 位元）",
	VaultKeyRotated:     "保險庫包裝金鑰已改用金鑰版本 %d 加密",
	ProviderCallFailed:  "呼叫供應商 %s 失敗：%v",
	PayloadDecryptError: "用戶端加密負載解密失敗：%s",

	UsersListed: "獲取用戶列表成功",
	UserCreated: "用戶 '%s' 創建成功",
	UserDeleted: "用戶 '%s' 已刪除",

	WSConnected:      "ws 已連線 user=%s conns=%d",
	WSDisconnected:   "ws 已斷線 user=%s conns=%d",
	WSRefused:        "ws 握手遭拒：%v",
	WSWriteError:     "ws 寫入錯誤 user=%s：%v",
	WSEventDropped:   "ws 佇列已滿，丟棄 %s（user=%s）",
	HealthOK:         "healthy",
	RateLimitExceeds: "請求過於頻繁，請稍後再試",
	RequestTimedOut:  "請求處理逾時",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
