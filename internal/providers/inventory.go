package providers

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Library is a library section of a server.
type Library struct {
	SectionID string
	Name      string
	Type      string
}

// AccountShares is an account of a server with the library sections it can read.
type AccountShares struct {
	ExternalUserID string
	Username       string
	Email          string
	Role           string
	// AllLibraries means every library of the server, Sections is then empty.
	AllLibraries bool
	Sections     []string
}

// Inventory is implemented by providers that can list their libraries and accounts.
type Inventory interface {
	Libraries(ctx context.Context) ([]Library, error)
	Accounts(ctx context.Context) ([]AccountShares, error)
}

type jellyfinPolicy struct {
	IsAdministrator  bool     `json:"IsAdministrator"`
	EnableAllFolders bool     `json:"EnableAllFolders"`
	EnabledFolders   []string `json:"EnabledFolders"`
}

type jellyfinUser struct {
	ID     string          `json:"Id"`
	Name   string          `json:"Name"`
	Policy *jellyfinPolicy `json:"Policy"`
}

func (j *Jellyfin) Libraries(ctx context.Context) ([]Library, error) {
	body, err := j.client.do(ctx, request{method: http.MethodGet, path: "/Library/VirtualFolders"})
	if err != nil {
		return nil, err
	}
	var folders []struct {
		ItemID         string `json:"ItemId"`
		Name           string `json:"Name"`
		CollectionType string `json:"CollectionType"`
		LibraryOptions struct {
			CollectionType string `json:"CollectionType"`
		} `json:"LibraryOptions"`
	}
	if err := json.Unmarshal(body, &folders); err != nil {
		return nil, fmt.Errorf("decode jellyfin libraries: %w", err)
	}

	out := make([]Library, 0, len(folders))
	for _, f := range folders {
		if f.ItemID == "" || f.Name == "" {
			continue
		}
		typ := f.CollectionType
		if typ == "" {
			typ = f.LibraryOptions.CollectionType
		}
		out = append(out, Library{SectionID: f.ItemID, Name: f.Name, Type: typ})
	}
	return out, nil
}

// Accounts lists the Jellyfin users. The policy is read from the user detail when the list omits it.
func (j *Jellyfin) Accounts(ctx context.Context) ([]AccountShares, error) {
	body, err := j.client.do(ctx, request{method: http.MethodGet, path: "/Users"})
	if err != nil {
		return nil, err
	}
	var users []jellyfinUser
	if err := json.Unmarshal(body, &users); err != nil {
		return nil, fmt.Errorf("decode jellyfin users: %w", err)
	}

	out := make([]AccountShares, 0, len(users))
	for _, u := range users {
		if u.ID == "" || u.Name == "" {
			continue
		}
		policy := u.Policy
		if policy == nil {
			detail, err := j.client.do(ctx, request{method: http.MethodGet, path: "/Users/" + url.PathEscape(u.ID)})
			if err != nil {
				return nil, fmt.Errorf("jellyfin user %s: %w", u.Name, err)
			}
			var full jellyfinUser
			if err := json.Unmarshal(detail, &full); err != nil {
				return nil, fmt.Errorf("decode jellyfin user %s: %w", u.Name, err)
			}
			policy = full.Policy
		}
		if policy == nil {
			policy = &jellyfinPolicy{}
		}

		a := AccountShares{ExternalUserID: u.ID, Username: u.Name, Role: "user", AllLibraries: policy.EnableAllFolders}
		if policy.IsAdministrator {
			a.Role = "admin"
		}
		if !a.AllLibraries {
			a.Sections = policy.EnabledFolders
		}
		out = append(out, a)
	}
	return out, nil
}

// Libraries reads the sections of the local Plex server.
func (p *Plex) Libraries(ctx context.Context) ([]Library, error) {
	body, err := p.get(ctx, http.MethodGet, "/library/sections", nil)
	if err != nil {
		return nil, err
	}
	var container struct {
		Directories []struct {
			Key   string `xml:"key,attr"`
			Title string `xml:"title,attr"`
			Type  string `xml:"type,attr"`
		} `xml:"Directory"`
	}
	if err := xml.Unmarshal(body, &container); err != nil {
		return nil, fmt.Errorf("decode plex sections: %w", err)
	}

	out := make([]Library, 0, len(container.Directories))
	for _, d := range container.Directories {
		if d.Key == "" || d.Title == "" {
			continue
		}
		out = append(out, Library{SectionID: d.Key, Name: d.Title, Type: d.Type})
	}
	return out, nil
}

// Accounts lists the friends this server is shared with, from plex.tv. The owner is not listed.
func (p *Plex) Accounts(ctx context.Context) ([]AccountShares, error) {
	base, err := p.tvBase()
	if err != nil {
		return nil, err
	}
	shares, err := p.sharedServers(ctx, base)
	if err != nil {
		return nil, err
	}

	out := make([]AccountShares, 0, len(shares.Shares))
	for _, s := range shares.Shares {
		if s.UserID == "" && s.Username == "" {
			continue
		}
		a := AccountShares{ExternalUserID: s.UserID, Username: s.Username, Email: s.Email, Role: "friend"}
		for _, sec := range s.Sections {
			if sec.Key != "" && (sec.Shared == "1" || strings.EqualFold(sec.Shared, "true")) {
				a.Sections = append(a.Sections, sec.Key)
			}
		}
		out = append(out, a)
	}
	return out, nil
}
