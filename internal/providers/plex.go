package providers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"vodum/internal/models"
)

const plexTimeout = 8 * time.Second

type plexContainer struct {
	Items []plexItem `xml:",any"`
}

type plexItem struct {
	XMLName          xml.Name       `json:"-"`
	SessionKey       string         `xml:"sessionKey,attr" json:"sessionKey,omitempty"`
	SessionID        string         `xml:"sessionId,attr" json:"sessionId,omitempty"`
	Key              string         `xml:"key,attr" json:"key,omitempty"`
	RatingKey        string         `xml:"ratingKey,attr" json:"ratingKey,omitempty"`
	Type             string         `xml:"type,attr" json:"type,omitempty"`
	Title            string         `xml:"title,attr" json:"title,omitempty"`
	GrandparentTitle string         `xml:"grandparentTitle,attr" json:"grandparentTitle,omitempty"`
	ParentTitle      string         `xml:"parentTitle,attr" json:"parentTitle,omitempty"`
	ViewOffset       string         `xml:"viewOffset,attr" json:"viewOffset,omitempty"`
	Duration         string         `xml:"duration,attr" json:"duration,omitempty"`
	Bandwidth        string         `xml:"bandwidth,attr" json:"bandwidth,omitempty"`
	Bitrate          string         `xml:"bitrate,attr" json:"bitrate,omitempty"`
	User             *plexUser      `xml:"User" json:"User,omitempty"`
	Player           *plexPlayer    `xml:"Player" json:"Player,omitempty"`
	Session          *plexSession   `xml:"Session" json:"Session,omitempty"`
	TranscodeSession *plexTranscode `xml:"TranscodeSession" json:"TranscodeSession,omitempty"`
	Media            []plexMedia    `xml:"Media" json:"Media,omitempty"`
}

type plexUser struct {
	ID    string `xml:"id,attr" json:"id"`
	Title string `xml:"title,attr" json:"title"`
}

type plexPlayer struct {
	Product   string `xml:"product,attr" json:"product,omitempty"`
	Title     string `xml:"title,attr" json:"title,omitempty"`
	Device    string `xml:"device,attr" json:"device,omitempty"`
	Address   string `xml:"address,attr" json:"address,omitempty"`
	State     string `xml:"state,attr" json:"state,omitempty"`
	Bandwidth string `xml:"bandwidth,attr" json:"bandwidth,omitempty"`
	Bitrate   string `xml:"bitrate,attr" json:"bitrate,omitempty"`
}

type plexSession struct {
	ID        string `xml:"id,attr" json:"id"`
	Bandwidth string `xml:"bandwidth,attr" json:"bandwidth,omitempty"`
}

type plexTranscode struct {
	VideoDecision string `xml:"videoDecision,attr" json:"videoDecision,omitempty"`
	AudioDecision string `xml:"audioDecision,attr" json:"audioDecision,omitempty"`
	VideoCodec    string `xml:"videoCodec,attr" json:"videoCodec,omitempty"`
	AudioCodec    string `xml:"audioCodec,attr" json:"audioCodec,omitempty"`
	Bandwidth     string `xml:"bandwidth,attr" json:"bandwidth,omitempty"`
	PeakBandwidth string `xml:"peakBandwidth,attr" json:"peakBandwidth,omitempty"`
}

type plexMedia struct {
	VideoDecision   string     `xml:"videoDecision,attr" json:"videoDecision,omitempty"`
	AudioDecision   string     `xml:"audioDecision,attr" json:"audioDecision,omitempty"`
	Bitrate         string     `xml:"bitrate,attr" json:"bitrate,omitempty"`
	Height          string     `xml:"height,attr" json:"height,omitempty"`
	VideoResolution string     `xml:"videoResolution,attr" json:"videoResolution,omitempty"`
	Parts           []plexPart `xml:"Part" json:"Part,omitempty"`
}

type plexPart struct {
	VideoDecision string `xml:"videoDecision,attr" json:"videoDecision,omitempty"`
	AudioDecision string `xml:"audioDecision,attr" json:"audioDecision,omitempty"`
	Bitrate       string `xml:"bitrate,attr" json:"bitrate,omitempty"`
}

func (it plexItem) key() string {
	for _, k := range []string{it.SessionKey, it.SessionID, it.Key} {
		if k != "" {
			return k
		}
	}
	return ""
}

// decision looks for a decision attribute on Media, then on Part, then on TranscodeSession.
func (it plexItem) decision(audio bool) string {
	pick := func(video, aud string) string {
		if audio {
			return aud
		}
		return video
	}
	for _, m := range it.Media {
		if v := pick(m.VideoDecision, m.AudioDecision); v != "" {
			return v
		}
	}
	for _, m := range it.Media {
		for _, p := range m.Parts {
			if v := pick(p.VideoDecision, p.AudioDecision); v != "" {
				return v
			}
		}
	}
	if ts := it.TranscodeSession; ts != nil {
		return pick(ts.VideoDecision, ts.AudioDecision)
	}
	return ""
}

func (it plexItem) mediaBitrate() string {
	for _, m := range it.Media {
		if m.Bitrate != "" {
			return m.Bitrate
		}
		for _, p := range m.Parts {
			if p.Bitrate != "" {
				return p.Bitrate
			}
		}
	}
	return ""
}

// normalizeDecision maps "Direct Play", "direct_play" and so on to "directplay".
func normalizeDecision(v string) string {
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(v)))
}

// playMethod classifies a playback from the video and audio decisions.
func playMethod(decisions ...string) (string, bool) {
	set := make(map[string]bool)
	for _, d := range decisions {
		if d != "" {
			set[d] = true
		}
	}
	switch {
	case set["transcode"]:
		return "transcode", true
	case set["copy"]:
		return "directstream", false
	case len(set) == 1 && set["directplay"]:
		return "directplay", false
	default:
		return "unknown", false
	}
}

func atoiNull(values ...string) null.Int {
	for _, v := range values {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return null.IntFrom(n)
		}
	}
	return null.Int{}
}

func plexMediaType(t string) string {
	switch t {
	case "movie":
		return "movie"
	case "episode":
		return "serie"
	case "track":
		return "music"
	default:
		return "other"
	}
}

type Plex struct {
	cfg    Config
	client *client
}

func NewPlex(cfg Config, hc *http.Client) (Provider, error) {
	p := &Plex{cfg: cfg}
	p.client = newClient(models.ProviderPlex, cfg, hc, plexTimeout, func(h http.Header) {
		h.Set("X-Plex-Token", cfg.Token)
		h.Set("Accept", "application/xml")
	})
	return p, nil
}

func (p *Plex) Name() string { return models.ProviderPlex }

func (p *Plex) get(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	query := url.Values{"X-Plex-Token": {p.cfg.Token}}
	for k, v := range params {
		query[k] = v
	}
	return p.client.do(ctx, request{method: method, path: path, query: query})
}

func (p *Plex) sessions(ctx context.Context) ([]plexItem, error) {
	body, err := p.get(ctx, http.MethodGet, "/status/sessions", nil)
	if err != nil {
		return nil, err
	}
	var container plexContainer
	if err := xml.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("decode plex sessions: %w", err)
	}
	return container.Items, nil
}

func (p *Plex) ActiveSessions(ctx context.Context) ([]Session, error) {
	items, err := p.sessions(ctx)
	if err != nil {
		return nil, err
	}

	sessions := make([]Session, 0, len(items))
	for _, it := range items {
		key := it.key()
		if key == "" {
			continue
		}

		video := normalizeDecision(it.decision(false))
		audio := normalizeDecision(it.decision(true))
		method, transcode := playMethod(video, audio)

		s := Session{
			Provider:    models.ProviderPlex,
			SessionKey:  key,
			MediaKey:    it.RatingKey,
			MediaType:   plexMediaType(it.Type),
			Title:       it.Title,
			State:       "unknown",
			ProgressMs:  atoiNull(it.ViewOffset),
			DurationMs:  atoiNull(it.Duration),
			IsTranscode: transcode,
			PlayMethod:  method,
		}
		if it.User != nil {
			s.ExternalUserID = it.User.ID
			s.Username = it.User.Title
		}

		var bitrates []string
		if ts := it.TranscodeSession; ts != nil {
			bitrates = append(bitrates, ts.Bandwidth, ts.PeakBandwidth)
			s.VideoCodec = ts.VideoCodec
			s.AudioCodec = ts.AudioCodec
		}
		bitrates = append(bitrates, it.Bandwidth, it.Bitrate)
		if pl := it.Player; pl != nil {
			s.Client = pl.Title
			s.Device = pl.Device
			s.IP = pl.Address
			if pl.State != "" {
				s.State = pl.State
			}
			bitrates = append(bitrates, pl.Bandwidth, pl.Bitrate)
		}
		bitrates = append(bitrates, it.mediaBitrate())
		s.Bitrate = atoiNull(bitrates...)

		if raw, err := json.Marshal(struct {
			Tag string `json:"tag"`
			plexItem
		}{Tag: it.XMLName.Local, plexItem: it}); err == nil {
			s.RawJSON = string(raw)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// SendSessionMessage is not available on Plex.
func (p *Plex) SendSessionMessage(context.Context, string, string, string) (bool, error) {
	return false, nil
}

// TerminateSession stops a playback. Plex expects the id of the <Session> element, which is not
// always the session key, so the current sessions are looked up first.
func (p *Plex) TerminateSession(ctx context.Context, sessionKey, reason string) error {
	items, err := p.sessions(ctx)
	if err != nil {
		return err
	}

	target := sessionKey
	for _, it := range items {
		if it.key() != sessionKey {
			continue
		}
		if it.Session != nil && it.Session.ID != "" {
			target = it.Session.ID
		} else if it.SessionID != "" {
			target = it.SessionID
		}
		break
	}

	params := url.Values{"sessionId": {target}}
	if reason != "" {
		if len(reason) > 120 {
			reason = reason[:120]
		}
		params.Set("reason", reason)
	}

	if _, err := p.get(ctx, http.MethodGet, "/status/sessions/terminate", params); err != nil {
		log.Debug().Err(err).Str("session_key", sessionKey).Msg("Plex terminate via GET failed, retrying with POST")
		_, err = p.get(ctx, http.MethodPost, "/status/sessions/terminate", params)
		return err
	}
	return nil
}

func (p *Plex) Ping(ctx context.Context) error {
	_, err := p.get(ctx, http.MethodGet, "/identity", nil)
	return err
}
