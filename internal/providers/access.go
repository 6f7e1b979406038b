package providers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const plexTVURL = "https://plex.tv"

// ErrAccountNotShared is returned when a Plex account has no share on the server to update.
var ErrAccountNotShared = errors.New("account has no share on this server")

// Account identifies a user account on a media server.
type Account struct {
	ExternalUserID string
	Username       string
}

func (a Account) String() string {
	if a.Username != "" {
		return a.Username
	}
	return a.ExternalUserID
}

// LibraryAccess is implemented by providers that can restrict the libraries an account may read.
type LibraryAccess interface {
	// SetLibraryAccess replaces the libraries of the account by sectionIDs. An empty list revokes
	// every library.
	SetLibraryAccess(ctx context.Context, account Account, sectionIDs []string) error
}

// SetLibraryAccess rewrites the folder policy of a Jellyfin user. The rest of the policy is sent
// back unchanged.
func (j *Jellyfin) SetLibraryAccess(ctx context.Context, account Account, sectionIDs []string) error {
	if account.ExternalUserID == "" {
		return fmt.Errorf("%w: jellyfin account %q has no user id", ErrMissingConfig, account)
	}
	path := "/Users/" + url.PathEscape(account.ExternalUserID)

	body, err := j.client.do(ctx, request{method: http.MethodGet, path: path})
	if err != nil {
		return err
	}
	var user struct {
		Policy map[string]any `json:"Policy"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return fmt.Errorf("decode jellyfin user: %w", err)
	}

	policy := user.Policy
	if policy == nil {
		policy = make(map[string]any)
	}
	if sectionIDs == nil {
		sectionIDs = []string{}
	}
	policy["EnableAllFolders"] = false
	policy["EnabledFolders"] = sectionIDs

	req := request{method: http.MethodPost, path: path + "/Policy", body: policy}
	_, err = j.client.do(ctx, req)

	// some versions only accept PUT
	var se *StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusMethodNotAllowed || se.StatusCode == http.StatusUnsupportedMediaType) {
		req.method = http.MethodPut
		_, err = j.client.do(ctx, req)
	}
	return err
}

type plexSharedServers struct {
	Shares []struct {
		ID       string `xml:"id,attr"`
		UserID   string `xml:"userID,attr"`
		Username string `xml:"username,attr"`
		Email    string `xml:"email,attr"`
		Sections []struct {
			Key    string `xml:"key,attr"`
			Shared string `xml:"shared,attr"`
		} `xml:"Section"`
	} `xml:"SharedServer"`
}

func (p *Plex) sharedServers(ctx context.Context, base string) (plexSharedServers, error) {
	var shares plexSharedServers
	body, err := p.tv(ctx, http.MethodGet, base+"/shared_servers", nil)
	if err != nil {
		return shares, err
	}
	if err := xml.Unmarshal(body, &shares); err != nil {
		return shares, fmt.Errorf("decode plex shared servers: %w", err)
	}
	return shares, nil
}

// tvBase is the plex.tv endpoint of this server.
func (p *Plex) tvBase() (string, error) {
	if err := p.cfg.validate(p.Name()); err != nil {
		return "", err
	}
	if p.cfg.ServerIdentifier == "" {
		return "", fmt.Errorf("%w: plex server %d has no server identifier", ErrMissingConfig, p.cfg.ID)
	}
	return plexTVURL + "/api/servers/" + url.PathEscape(p.cfg.ServerIdentifier), nil
}

type plexTVServers struct {
	Servers []struct {
		Sections []struct {
			ID  string `xml:"id,attr"`
			Key string `xml:"key,attr"`
		} `xml:"Section"`
	} `xml:"Server"`
}

// SetLibraryAccess updates the share of a friend through plex.tv. sectionIDs are the local
// library keys; plex.tv knows the same libraries under its own ids.
func (p *Plex) SetLibraryAccess(ctx context.Context, account Account, sectionIDs []string) error {
	base, err := p.tvBase()
	if err != nil {
		return err
	}
	shares, err := p.sharedServers(ctx, base)
	if err != nil {
		return err
	}
	shareID := ""
	for _, s := range shares.Shares {
		if (account.ExternalUserID != "" && s.UserID == account.ExternalUserID) ||
			(account.Username != "" && s.Username == account.Username) {
			shareID = s.ID
			break
		}
	}
	if shareID == "" {
		if len(sectionIDs) == 0 {
			// nothing shared, nothing to revoke
			return nil
		}
		return fmt.Errorf("%w: %s", ErrAccountNotShared, account)
	}

	ids := []int64{}
	if len(sectionIDs) > 0 {
		if ids, err = p.tvSectionIDs(ctx, base, sectionIDs); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(map[string]any{
		"server_id":     p.cfg.ServerIdentifier,
		"shared_server": map[string]any{"library_section_ids": ids},
	})
	if err != nil {
		return err
	}
	_, err = p.tv(ctx, http.MethodPut, base+"/shared_servers/"+url.PathEscape(shareID), payload)
	return err
}

// tvSectionIDs maps local library keys to the section ids plex.tv expects.
func (p *Plex) tvSectionIDs(ctx context.Context, base string, keys []string) ([]int64, error) {
	body, err := p.tv(ctx, http.MethodGet, base, nil)
	if err != nil {
		return nil, err
	}
	var servers plexTVServers
	if err := xml.Unmarshal(body, &servers); err != nil {
		return nil, fmt.Errorf("decode plex server sections: %w", err)
	}

	byKey := make(map[string]string)
	for _, srv := range servers.Servers {
		for _, s := range srv.Sections {
			byKey[s.Key] = s.ID
		}
	}

	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(byKey[k], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("library %s is not published on plex.tv", k)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Plex) tv(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	return p.client.send(ctx, method, target, payload)
}
