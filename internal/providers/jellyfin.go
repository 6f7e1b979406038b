package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"vodum/internal/models"
)

const (
	jellyfinTimeout          = 15 * time.Second
	jellyfinTicksPerMs       = 10_000
	jellyfinMessageTimeoutMs = 8000
)

// flexInt accepts numbers sent as integers, floats or strings.
type flexInt struct {
	null.Int
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		f.Int = null.Int{}
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		f.Int = null.Int{}
		return nil
	}
	f.Int = null.IntFrom(int64(v))
	return nil
}

type jellyfinItem struct {
	ID            string  `json:"Id"`
	Name          string  `json:"Name"`
	OriginalTitle string  `json:"OriginalTitle"`
	SortName      string  `json:"SortName"`
	Type          string  `json:"Type"`
	RunTimeTicks  flexInt `json:"RunTimeTicks"`
	Bitrate       flexInt `json:"Bitrate"`
}

type jellyfinSession struct {
	ID                 string `json:"Id"`
	UserID             string `json:"UserId"`
	UserName           string `json:"UserName"`
	Client             string `json:"Client"`
	DeviceName         string `json:"DeviceName"`
	DeviceID           string `json:"DeviceId"`
	RemoteEndPoint     string `json:"RemoteEndPoint"`
	ApplicationVersion string `json:"ApplicationVersion"`
	NowPlayingItem     *jellyfinItem
	PlayState          struct {
		PositionTicks flexInt `json:"PositionTicks"`
		IsPaused      bool    `json:"IsPaused"`
		PlayMethod    string  `json:"PlayMethod"`
	} `json:"PlayState"`
	TranscodingInfo *struct {
		Bitrate    flexInt `json:"Bitrate"`
		VideoCodec string  `json:"VideoCodec"`
		AudioCodec string  `json:"AudioCodec"`
	} `json:"TranscodingInfo"`
}

func ticksToMs(t flexInt) null.Int {
	if !t.Valid {
		return null.Int{}
	}
	return null.IntFrom(t.Int64 / jellyfinTicksPerMs)
}

func jellyfinMediaType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "movie", "video":
		return "movie"
	case "episode":
		return "serie"
	case "audio", "musictrack", "song":
		return "music"
	default:
		return "other"
	}
}

// remoteIP drops the port of an "ip:port" endpoint.
func remoteIP(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}

// sessionID extracts the Jellyfin session id from a "sessionId:itemId" key.
func sessionID(sessionKey string) string {
	id, _, _ := strings.Cut(sessionKey, ":")
	return id
}

type Jellyfin struct {
	cfg    Config
	client *client
}

func NewJellyfin(cfg Config, hc *http.Client) (Provider, error) {
	j := &Jellyfin{cfg: cfg}
	j.client = newClient(models.ProviderJellyfin, cfg, hc, jellyfinTimeout, func(h http.Header) {
		h.Set("X-Emby-Token", cfg.Token)
		h.Set("Accept", "application/json")
	})
	return j, nil
}

func (j *Jellyfin) Name() string { return models.ProviderJellyfin }

func (j *Jellyfin) item(ctx context.Context, id string) *jellyfinItem {
	body, err := j.client.do(ctx, request{method: http.MethodGet, path: "/Items/" + id})
	if err != nil {
		return nil
	}
	var it jellyfinItem
	if json.Unmarshal(body, &it) != nil {
		return nil
	}
	return &it
}

func (j *Jellyfin) ActiveSessions(ctx context.Context) ([]Session, error) {
	body, err := j.client.do(ctx, request{method: http.MethodGet, path: "/Sessions?EnableRemoteIP=true"})
	if err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode jellyfin sessions: %w", err)
	}

	sessions := make([]Session, 0, len(raws))
	for _, raw := range raws {
		var js jellyfinSession
		if err := json.Unmarshal(raw, &js); err != nil {
			return nil, fmt.Errorf("decode jellyfin session: %w", err)
		}
		// idle sessions are kept by Jellyfin without a playing item
		if js.ID == "" || js.NowPlayingItem == nil || js.NowPlayingItem.ID == "" {
			continue
		}
		np := js.NowPlayingItem

		title := firstNonEmpty(np.Name, np.OriginalTitle, np.SortName)
		typ := strings.ToLower(strings.TrimSpace(np.Type))
		if title == "" || typ == "" || typ == "unknown" || typ == "other" {
			if it := j.item(ctx, np.ID); it != nil {
				title = firstNonEmpty(title, it.Name, it.OriginalTitle)
				if typ == "" {
					typ = it.Type
				}
			}
		}

		s := Session{
			Provider:       models.ProviderJellyfin,
			SessionKey:     js.ID + ":" + np.ID,
			ExternalUserID: js.UserID,
			Username:       js.UserName,
			MediaKey:       np.ID,
			MediaType:      jellyfinMediaType(typ),
			Title:          title,
			State:          "playing",
			ProgressMs:     ticksToMs(js.PlayState.PositionTicks),
			DurationMs:     ticksToMs(np.RunTimeTicks),
			PlayMethod:     "unknown",
			Client:         firstNonEmpty(js.Client, js.DeviceName),
			Device:         firstNonEmpty(js.DeviceName, js.DeviceID),
			IP:             remoteIP(js.RemoteEndPoint),
			Bitrate:        np.Bitrate.Int,
			RawJSON:        string(raw),
		}
		if js.PlayState.IsPaused {
			s.State = "paused"
		}
		switch strings.ToLower(strings.TrimSpace(js.PlayState.PlayMethod)) {
		case "transcode":
			s.PlayMethod, s.IsTranscode = "transcode", true
		case "directstream":
			s.PlayMethod = "directstream"
		case "directplay":
			s.PlayMethod = "directplay"
		}
		if ti := js.TranscodingInfo; ti != nil {
			if ti.Bitrate.Valid {
				s.Bitrate = ti.Bitrate.Int
			}
			s.VideoCodec = ti.VideoCodec
			s.AudioCodec = ti.AudioCodec
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (j *Jellyfin) SendSessionMessage(ctx context.Context, sessionKey, title, text string) (bool, error) {
	payload := map[string]any{"Header": title, "Text": text, "TimeoutMs": jellyfinMessageTimeoutMs}
	_, err := j.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/Sessions/" + sessionID(sessionKey) + "/Message",
		body:   payload,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (j *Jellyfin) TerminateSession(ctx context.Context, sessionKey, _ string) error {
	_, err := j.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/Sessions/" + sessionID(sessionKey) + "/Playing/Stop",
		body:   map[string]any{},
	})
	return err
}

func (j *Jellyfin) Ping(ctx context.Context) error {
	_, err := j.client.do(ctx, request{method: http.MethodGet, path: "/System/Info"})
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
