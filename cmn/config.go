package cmn

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// Default values mirroring spec §6's recognized core keys.
const (
	DefaultFCLimit            = 1 << 20 // gcs.fc_limit: 1 MiB outbound byte cap
	DefaultFCFactor           = 0.5     // gcs.fc_factor
	DefaultSendWindow         = 4096    // evs.send_window
	DefaultUserSendWindow     = 2048    // evs.user_send_window
	DefaultAutoEvict          = 0       // evs.auto_evict: 0 disables
	DefaultMaxInstallTimeouts = 3       // evs.max_install_timeouts
	DefaultGCacheSize         = 128 << 20
	DefaultGCachePageSize     = 1 << 20
)

// ConfigOwner mediates concurrent access and transactional updates to the
// process-wide Config, grounded on the teacher's globalConfigOwner: Get()
// never blocks, BeginUpdate/CommitUpdate/DiscardUpdate bracket a
// clone-modify-swap transaction, and Subscribe lets interested components
// (the EVS engine, the flow controller, GCache) learn about key changes at
// runtime without plumbing a config pointer through every call.
type ConfigOwner interface {
	Get() *Config
	BeginUpdate() *Config
	CommitUpdate(config *Config)
	DiscardUpdate()
	Subscribe(cl ConfigListener)
	Set(key, value string) error
	SetMap(kv map[string]string) error
}

// ConfigListener is notified after a committed config change.
type ConfigListener interface {
	ConfigUpdate(oldConf, newConf *Config)
}

type globalConfigOwner struct {
	mtx       sync.Mutex
	c         unsafe.Pointer
	lmtx      sync.Mutex
	listeners []ConfigListener
}

var _ ConfigOwner = &globalConfigOwner{}

// GCO is the global config owner, loaded with defaults at init time and
// updated from the key/value map the application passes to open().
var GCO = &globalConfigOwner{}

func init() {
	atomic.StorePointer(&GCO.c, unsafe.Pointer(DefaultConfig()))
}

func (gco *globalConfigOwner) Get() *Config {
	return (*Config)(atomic.LoadPointer(&gco.c))
}

func (gco *globalConfigOwner) BeginUpdate() *Config {
	gco.mtx.Lock()
	clone := *gco.Get()
	return &clone
}

func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	oldConf := gco.Get()
	atomic.StorePointer(&gco.c, unsafe.Pointer(config))
	gco.notifyListeners(oldConf)
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) notifyListeners(oldConf *Config) {
	gco.lmtx.Lock()
	newConf := gco.Get()
	for _, l := range gco.listeners {
		l.ConfigUpdate(oldConf, newConf)
	}
	gco.lmtx.Unlock()
}

func (gco *globalConfigOwner) Subscribe(cl ConfigListener) {
	gco.lmtx.Lock()
	gco.listeners = append(gco.listeners, cl)
	gco.lmtx.Unlock()
}

func (gco *globalConfigOwner) Set(key, value string) error {
	cfg := gco.BeginUpdate()
	if err := applyKV(cfg, key, value); err != nil {
		gco.DiscardUpdate()
		return err
	}
	gco.CommitUpdate(cfg)
	return nil
}

func (gco *globalConfigOwner) SetMap(kv map[string]string) error {
	cfg := gco.BeginUpdate()
	for k, v := range kv {
		if err := applyKV(cfg, k, v); err != nil {
			gco.DiscardUpdate()
			return err
		}
	}
	gco.CommitUpdate(cfg)
	return nil
}

// Config is the full set of recognized core keys from spec §6, grouped the
// way the teacher groups its per-concern config structs (FCConf, EVSConf,
// GCacheConf standing in for AIStore's ProxyConf/LRUConf/etc.).
type Config struct {
	FC     FCConf     `json:"fc"`
	EVS    EVSConf    `json:"evs"`
	GCache GCacheConf `json:"gcache"`
}

// FCConf is flow control over the outbound queue (gcs.fc_*).
type FCConf struct {
	Limit  int64   `json:"fc_limit"`
	Factor float64 `json:"fc_factor"`
}

// EVSConf carries every evs.* key from spec §6.
type EVSConf struct {
	SendWindow         int           `json:"send_window"`
	UserSendWindow     int           `json:"user_send_window"`
	SuspectTimeout     time.Duration `json:"suspect_timeout"`
	InactiveTimeout    time.Duration `json:"inactive_timeout"`
	InstallTimeout     time.Duration `json:"install_timeout"`
	RetransPeriod      time.Duration `json:"retrans_period"`
	JoinRetransPeriod  time.Duration `json:"join_retrans_period"`
	DelayMargin        time.Duration `json:"delay_margin"`
	DelayedKeepPeriod  time.Duration `json:"delayed_keep_period"`
	ViewForgetTimeout  time.Duration `json:"view_forget_timeout"`
	AutoEvict          int           `json:"auto_evict"`
	MaxInstallTimeouts int           `json:"max_install_timeouts"`
	InactiveCheckPeriod time.Duration `json:"inactive_check_period"`
	StatsReportPeriod  time.Duration `json:"stats_report_period"`
}

// GCacheConf are the gcache.* ring parameters.
type GCacheConf struct {
	Size     int64  `json:"size"`
	Name     string `json:"name"`
	PageSize int64  `json:"page_size"`
}

// DefaultConfig returns the built-in defaults, matching the "~0.5s",
// "~1s" style timers spec.md §4.3 gives for the protocol's timers.
func DefaultConfig() *Config {
	return &Config{
		FC: FCConf{
			Limit:  DefaultFCLimit,
			Factor: DefaultFCFactor,
		},
		EVS: EVSConf{
			SendWindow:          DefaultSendWindow,
			UserSendWindow:      DefaultUserSendWindow,
			SuspectTimeout:      5 * time.Second,
			InactiveTimeout:     15 * time.Second,
			InstallTimeout:      1500 * time.Millisecond,
			RetransPeriod:       time.Second,
			JoinRetransPeriod:   time.Second,
			DelayMargin:         time.Second,
			DelayedKeepPeriod:   30 * time.Second,
			ViewForgetTimeout:   5 * time.Minute,
			AutoEvict:           DefaultAutoEvict,
			MaxInstallTimeouts:  DefaultMaxInstallTimeouts,
			InactiveCheckPeriod: 500 * time.Millisecond,
			StatsReportPeriod:   10 * time.Second,
		},
		GCache: GCacheConf{
			Size:     DefaultGCacheSize,
			Name:     "gcache.ring",
			PageSize: DefaultGCachePageSize,
		},
	}
}

// applyKV dispatches one "key=value" pair from spec §6's recognized core
// keys table onto Config, the way the teacher's setConfig() dispatches
// AIStore's many dotted config keys. Unknown keys are rejected, matching
// the teacher's "readonly or invalid" behavior.
func applyKV(c *Config, key, value string) error {
	switch key {
	case "gcs.fc_limit":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("gcs.fc_limit: %w", err)
		}
		c.FC.Limit = v
	case "gcs.fc_factor":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("gcs.fc_factor: %w", err)
		}
		c.FC.Factor = v
	case "evs.send_window":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("evs.send_window: %w", err)
		}
		c.EVS.SendWindow = v
	case "evs.user_send_window":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("evs.user_send_window: %w", err)
		}
		c.EVS.UserSendWindow = v
	case "evs.suspect_timeout":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.suspect_timeout: %w", err)
		}
		c.EVS.SuspectTimeout = v
	case "evs.inactive_timeout":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.inactive_timeout: %w", err)
		}
		c.EVS.InactiveTimeout = v
	case "evs.install_timeout":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.install_timeout: %w", err)
		}
		c.EVS.InstallTimeout = v
	case "evs.retrans_period":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.retrans_period: %w", err)
		}
		c.EVS.RetransPeriod = v
	case "evs.join_retrans_period":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.join_retrans_period: %w", err)
		}
		c.EVS.JoinRetransPeriod = v
	case "evs.delay_margin":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.delay_margin: %w", err)
		}
		c.EVS.DelayMargin = v
	case "evs.delayed_keep_period":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.delayed_keep_period: %w", err)
		}
		c.EVS.DelayedKeepPeriod = v
	case "evs.view_forget_timeout":
		v, err := ParseISODuration(value)
		if err != nil {
			return fmt.Errorf("evs.view_forget_timeout: %w", err)
		}
		c.EVS.ViewForgetTimeout = v
	case "evs.auto_evict":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("evs.auto_evict: %w", err)
		}
		c.EVS.AutoEvict = v
	case "evs.max_install_timeouts":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("evs.max_install_timeouts: %w", err)
		}
		c.EVS.MaxInstallTimeouts = v
	case "gcache.size":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("gcache.size: %w", err)
		}
		c.GCache.Size = v
	case "gcache.name":
		c.GCache.Name = value
	case "gcache.page_size":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("gcache.page_size: %w", err)
		}
		c.GCache.PageSize = v
	default:
		return fmt.Errorf("%q is readonly or invalid", key)
	}
	return nil
}

// ParseISODuration accepts spec §5's "PT1S", "PT0.5S" ISO-8601-ish duration
// strings as well as plain Go duration strings ("1s"), matching the
// teacher's pattern of accepting config strings and parsing them once at
// commit time.
func ParseISODuration(s string) (time.Duration, error) {
	if len(s) >= 2 && (s[0] == 'P' || s[0] == 'p') && (s[1] == 'T' || s[1] == 't') {
		return time.ParseDuration(strings.ToLower(s[2:]))
	}
	return time.ParseDuration(s)
}
