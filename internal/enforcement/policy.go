// Package enforcement applies the stream policies to the live sessions: a session that breaks a
// policy is warned first and stopped on a later run if the violation persists.
package enforcement

import (
	"cmp"
	"encoding/json"
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"vodum/internal/models"
)

const (
	RuleMaxStreamsPerUser = "max_streams_per_user"
	RuleMaxIPsPerUser     = "max_ips_per_user"
	RuleMaxStreamsPerIP   = "max_streams_per_ip"
	RuleMaxTranscodes     = "max_transcodes_global"
	RuleBan4KTranscode    = "ban_4k_transcode"
	RuleMaxBitrate        = "max_bitrate_kbps"
	RuleDeviceAllowlist   = "device_allowlist"
)

const (
	KillNewest           = "kill_newest"
	KillOldest           = "kill_oldest"
	KillTranscodingFirst = "kill_transcoding_first"
)

const (
	ScopeGlobal = "global"
	ScopeServer = "server"
	ScopeUser   = "user"
)

const (
	defaultWarnTitle = "Stream limit"
	defaultWarnText  = "You have reached your streaming limit. The most recent stream will be stopped if it continues."
)

// Policy is a row of the `stream_policies` table
type Policy struct {
	ID            int64       `db:"id" json:"id"`
	Priority      int         `db:"priority" json:"priority"`
	Enabled       bool        `db:"is_enabled" json:"is_enabled"`
	RuleType      string      `db:"rule_type" json:"rule_type"`
	RuleValueJSON null.String `db:"rule_value_json" json:"rule_value_json"`
	ScopeType     string      `db:"scope_type" json:"scope_type"`
	ScopeID       null.Int    `db:"scope_id" json:"scope_id"`
	Provider      null.String `db:"provider" json:"provider"`
	ServerID      null.Int    `db:"server_id" json:"server_id"`
}

func (p Policy) applies(s Session) bool {
	if p.Provider.Valid && p.Provider.String != "" && p.Provider.String != s.Provider {
		return false
	}
	if p.ServerID.Valid && p.ServerID.Int64 != s.ServerID {
		return false
	}
	switch p.ScopeType {
	case ScopeGlobal:
		return true
	case ScopeServer:
		return p.ScopeID.Valid && p.ScopeID.Int64 == s.ServerID
	case ScopeUser:
		// unmapped sessions never match a user policy
		return p.ScopeID.Valid && s.VodumUserID.Valid && p.ScopeID.Int64 == s.VodumUserID.Int64
	}
	return false
}

// rule is the decoded rule_value_json. Absent numbers fall back to the default of the rule type.
type rule struct {
	Max            *int            `json:"max"`
	MaxKbps        int64           `json:"max_kbps"`
	AllowLocalIP   bool            `json:"allow_local_ip"`
	IgnoreUnknown  *bool           `json:"ignore_unknown"`
	PerServer      *bool           `json:"per_server"`
	Allowed        json.RawMessage `json:"allowed"`
	AllowedDevices string          `json:"allowed_devices"`
	Selector       string          `json:"selector"`
	WarnTitle      string          `json:"warn_title"`
	WarnText       string          `json:"warn_text"`
}

func (r rule) max(def int) int {
	if r.Max == nil {
		return def
	}
	return *r.Max
}

func orTrue(b *bool) bool {
	return b == nil || *b
}

// allowed returns the lower-cased device allowlist. Both a JSON list and a comma separated string
// are accepted.
func (r rule) allowed() []string {
	var raw []string
	if err := json.Unmarshal(r.Allowed, &raw); err != nil {
		var s string
		if err := json.Unmarshal(r.Allowed, &s); err != nil || s == "" {
			s = r.AllowedDevices
		}
		raw = strings.Split(s, ",")
	}
	out := make([]string, 0, len(raw))
	for _, d := range raw {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			out = append(out, d)
		}
	}
	return out
}

func parseRule(p Policy) (rule, error) {
	var r rule
	if raw := strings.TrimSpace(p.RuleValueJSON.ValueOrZero()); raw != "" {
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return r, fmt.Errorf("policy %d: invalid rule value: %w", p.ID, err)
		}
	}
	if r.Selector == "" {
		r.Selector = KillNewest
	}
	if r.WarnTitle == "" {
		r.WarnTitle = defaultWarnTitle
	}
	if r.WarnText == "" {
		r.WarnText = defaultWarnText
	}
	return r, nil
}

// Session is a live row of media_sessions with the subscriber it maps to.
type Session struct {
	ServerID       int64       `db:"server_id"`
	Provider       string      `db:"provider"`
	SessionKey     string      `db:"session_key"`
	MediaUserID    null.Int    `db:"media_user_id"`
	ExternalUserID null.String `db:"external_user_id"`
	VodumUserID    null.Int    `db:"vodum_user_id"`
	IsTranscode    bool        `db:"is_transcode"`
	Bitrate        null.Int    `db:"bitrate"`
	Client         null.String `db:"client"`
	Device         null.String `db:"device"`
	IP             null.String `db:"ip"`
	RawJSON        null.String `db:"raw_json"`
	StartedAt      time.Time   `db:"started_at"`
}

func (s Session) actor() Actor {
	return Actor{VodumUserID: s.VodumUserID, External: strings.TrimSpace(s.ExternalUserID.ValueOrZero())}
}

func (s Session) ip() string {
	if ip := strings.TrimSpace(s.IP.ValueOrZero()); ip != "" {
		return ip
	}
	return "unknown"
}

func (s Session) device() string {
	d := strings.TrimSpace(s.Device.ValueOrZero())
	if d == "" {
		d = strings.TrimSpace(s.Client.ValueOrZero())
	}
	return strings.ToLower(d)
}

func isLocalIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// Actor is who a violation is charged to: a subscriber, an external account, or a pseudo actor
// such as an IP address.
type Actor struct {
	VodumUserID null.Int
	External    string
}

func (a Actor) Key() string {
	if a.VodumUserID.Valid {
		return "vodum:" + strconv.FormatInt(a.VodumUserID.Int64, 10)
	}
	if a.External == "" {
		return "ext:unknown"
	}
	return "ext:" + a.External
}

// Violation is one breach of a policy on one server. Target is the session to stop.
type Violation struct {
	Policy   Policy
	Kind     string
	ServerID int64
	Provider string
	Actor    Actor
	Sessions []Session
	Reason   string
	Target   Session

	warnTitle string
	warnText  string
}

// Overrides maps a subscriber to vodum_users.max_streams_override.
type Overrides map[int64]int

// vip users have a positive override and escape the per-IP policies.
func (o Overrides) vip(id null.Int) bool {
	return id.Valid && o[id.Int64] > 0
}

// Evaluate returns the violations of p among sessions.
func Evaluate(p Policy, sessions []Session, overrides Overrides) ([]Violation, error) {
	r, err := parseRule(p)
	if err != nil {
		return nil, err
	}

	var scoped []Session
	for _, s := range sessions {
		if p.applies(s) {
			scoped = append(scoped, s)
		}
	}
	if len(scoped) == 0 {
		return nil, nil
	}

	violation := func(kind string, actor Actor, ss []Session, reason string) Violation {
		target := pickTarget(ss, r.Selector)
		return Violation{
			Policy:    p,
			Kind:      kind,
			ServerID:  target.ServerID,
			Provider:  target.Provider,
			Actor:     actor,
			Sessions:  ss,
			Reason:    reason,
			Target:    target,
			warnTitle: r.WarnTitle,
			warnText:  r.WarnText,
		}
	}

	var out []Violation
	switch p.RuleType {
	case RuleMaxStreamsPerUser:
		limit := r.max(1)
		byUser := groupBy(scoped, func(s Session) string { return s.actor().Key() })
		for _, key := range sortedKeys(byUser) {
			userSessions := byUser[key]
			actor := userSessions[0].actor()
			eff := limit
			if actor.VodumUserID.Valid {
				if o, ok := overrides[actor.VodumUserID.Int64]; ok {
					eff = o
				}
			}
			counted := userSessions
			if r.AllowLocalIP {
				counted = remote(userSessions)
			}
			if len(counted) == 0 || len(counted) <= eff {
				continue
			}
			v := violation("user_streams", actor, counted, fmt.Sprintf("%s: %d > %d", RuleMaxStreamsPerUser, len(counted), eff))
			// only the chosen session is stopped, on its own server
			v.Sessions = []Session{v.Target}
			out = append(out, v)
		}

	case RuleMaxIPsPerUser:
		limit := r.max(1)
		byUser := groupBy(scoped, func(s Session) string { return s.actor().Key() })
		for _, key := range sortedKeys(byUser) {
			userSessions := byUser[key]
			actor := userSessions[0].actor()
			if overrides.vip(actor.VodumUserID) {
				continue
			}
			ips := make(map[string]bool)
			for _, s := range userSessions {
				ip := s.ip()
				if (ip == "unknown" && orTrue(r.IgnoreUnknown)) || (r.AllowLocalIP && isLocalIP(ip)) {
					continue
				}
				ips[ip] = true
			}
			if len(ips) <= limit {
				continue
			}
			candidates := userSessions
			if r.AllowLocalIP {
				if rs := remote(userSessions); len(rs) > 0 {
					candidates = rs
				}
			}
			v := violation("user_ips", actor, candidates, fmt.Sprintf("%s: %d > %d", RuleMaxIPsPerUser, len(ips), limit))
			v.Sessions = []Session{v.Target}
			out = append(out, v)
		}

	case RuleMaxStreamsPerIP:
		limit := r.max(2)
		perServer := orTrue(r.PerServer)
		byIP := make(map[string][]Session)
		for _, s := range scoped {
			if overrides.vip(s.VodumUserID) {
				continue
			}
			ip := s.ip()
			if (ip == "unknown" && orTrue(r.IgnoreUnknown)) || (r.AllowLocalIP && isLocalIP(ip)) {
				continue
			}
			key := ip
			if perServer {
				key = strconv.FormatInt(s.ServerID, 10) + "|" + ip
			}
			byIP[key] = append(byIP[key], s)
		}
		for _, key := range sortedKeys(byIP) {
			ss := byIP[key]
			if len(ss) <= limit {
				continue
			}
			ip := ss[0].ip()
			out = append(out, violation("ip_streams", Actor{External: ip}, ss,
				fmt.Sprintf("%s(%s): %d > %d", RuleMaxStreamsPerIP, ip, len(ss), limit)))
		}

	case RuleMaxTranscodes:
		// counted per server so a stop never crosses servers
		limit := r.max(1)
		var trans []Session
		for _, s := range scoped {
			if s.IsTranscode {
				trans = append(trans, s)
			}
		}
		out = perServer(trans, func(ss []Session) (Violation, bool) {
			if len(ss) <= limit {
				return Violation{}, false
			}
			return violation("server_transcodes", Actor{External: "server"}, ss,
				fmt.Sprintf("max_transcodes_server: %d > %d", len(ss), limit)), true
		})

	case RuleBan4KTranscode:
		var hits []Session
		for _, s := range scoped {
			if s.IsTranscode && mediaHeight(s.Provider, s.RawJSON.ValueOrZero()) >= 2160 {
				hits = append(hits, s)
			}
		}
		out = perServer(hits, func(ss []Session) (Violation, bool) {
			return violation("4k_transcode", Actor{External: "4k"}, ss, RuleBan4KTranscode+": 4K transcode detected"), true
		})

	case RuleMaxBitrate:
		if r.MaxKbps <= 0 {
			return nil, nil
		}
		var hits []Session
		for _, s := range scoped {
			if s.Bitrate.ValueOrZero() > r.MaxKbps {
				hits = append(hits, s)
			}
		}
		out = perServer(hits, func(ss []Session) (Violation, bool) {
			return violation("bitrate", Actor{External: "bitrate"}, ss,
				fmt.Sprintf("%s: %d session(s) above %d kbps", RuleMaxBitrate, len(ss), r.MaxKbps)), true
		})

	case RuleDeviceAllowlist:
		allowed := r.allowed()
		if len(allowed) == 0 {
			return nil, nil
		}
		var hits []Session
		for _, s := range scoped {
			if d := s.device(); d != "" && !slices.Contains(allowed, d) {
				hits = append(hits, s)
			}
		}
		out = perServer(hits, func(ss []Session) (Violation, bool) {
			return violation("device", Actor{External: "device"}, ss, RuleDeviceAllowlist+": device not allowed"), true
		})

	default:
		return nil, fmt.Errorf("policy %d: unknown rule type %q", p.ID, p.RuleType)
	}
	return out, nil
}

func groupBy(sessions []Session, key func(Session) string) map[string][]Session {
	out := make(map[string][]Session)
	for _, s := range sessions {
		k := key(s)
		out[k] = append(out[k], s)
	}
	return out
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

func remote(sessions []Session) []Session {
	var out []Session
	for _, s := range sessions {
		if !isLocalIP(s.ip()) {
			out = append(out, s)
		}
	}
	return out
}

func perServer(sessions []Session, check func([]Session) (Violation, bool)) []Violation {
	byServer := make(map[int64][]Session)
	for _, s := range sessions {
		byServer[s.ServerID] = append(byServer[s.ServerID], s)
	}
	var out []Violation
	for _, id := range sortedKeys(byServer) {
		if v, ok := check(byServer[id]); ok {
			out = append(out, v)
		}
	}
	return out
}

// pickTarget chooses the session to stop. Ties on the start time keep the session key order.
func pickTarget(sessions []Session, selector string) Session {
	ordered := slices.Clone(sessions)
	slices.SortStableFunc(ordered, func(a, b Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionKey, b.SessionKey)
	})
	newest := ordered[len(ordered)-1]

	switch selector {
	case KillOldest:
		return ordered[0]
	case KillTranscodingFirst:
		for i := len(ordered) - 1; i >= 0; i-- {
			if ordered[i].IsTranscode {
				return ordered[i]
			}
		}
	}
	return newest
}

// mediaHeight reads the video height from the raw session payload, 0 when unknown.
func mediaHeight(provider, raw string) int {
	if raw == "" {
		return 0
	}
	switch provider {
	case models.ProviderPlex:
		var item struct {
			Media []struct {
				Height          any    `json:"height"`
				VideoResolution string `json:"videoResolution"`
				Parts           []struct {
					Height any `json:"height"`
				} `json:"Part"`
			} `json:"Media"`
		}
		if json.Unmarshal([]byte(raw), &item) != nil {
			return 0
		}
		for _, m := range item.Media {
			if h := toInt(m.Height); h > 0 {
				return h
			}
			if res := strings.ToLower(m.VideoResolution); res == "4k" || res == "uhd" {
				return 2160
			}
		}
		for _, m := range item.Media {
			for _, p := range m.Parts {
				if h := toInt(p.Height); h > 0 {
					return h
				}
			}
		}

	case models.ProviderJellyfin:
		var sess struct {
			NowPlayingItem *struct {
				Height       any `json:"Height"`
				MediaStreams []struct {
					Type   string `json:"Type"`
					Height any    `json:"Height"`
				} `json:"MediaStreams"`
			} `json:"NowPlayingItem"`
		}
		if json.Unmarshal([]byte(raw), &sess) != nil || sess.NowPlayingItem == nil {
			return 0
		}
		if h := toInt(sess.NowPlayingItem.Height); h > 0 {
			return h
		}
		for _, st := range sess.NowPlayingItem.MediaStreams {
			if st.Type == "Video" {
				if h := toInt(st.Height); h > 0 {
					return h
				}
			}
		}
	}
	return 0
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	}
	return 0
}
