package providers_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vodum/internal/providers"
)

func TestJellyfin_Inventory(t *testing.T) {
	p := jellyfinServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/Library/VirtualFolders":
			_, _ = w.Write([]byte(`[
  {"ItemId":"lib-a","Name":"Movies","CollectionType":"movies"},
  {"ItemId":"lib-b","Name":"Shows","LibraryOptions":{"CollectionType":"tvshows"}},
  {"ItemId":"","Name":"Broken"}
]`))
		case "/Users":
			_, _ = w.Write([]byte(`[
  {"Id":"u1","Name":"root","Policy":{"IsAdministrator":true,"EnableAllFolders":true}},
  {"Id":"u2","Name":"carol"}
]`))
		case "/Users/u2":
			_, _ = w.Write([]byte(`{"Id":"u2","Name":"carol","Policy":{"EnableAllFolders":false,"EnabledFolders":["lib-b"]}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	inv, ok := p.(providers.Inventory)
	require.True(t, ok)

	libs, err := inv.Libraries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []providers.Library{
		{SectionID: "lib-a", Name: "Movies", Type: "movies"},
		{SectionID: "lib-b", Name: "Shows", Type: "tvshows"},
	}, libs)

	accounts, err := inv.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []providers.AccountShares{
		{ExternalUserID: "u1", Username: "root", Role: "admin", AllLibraries: true},
		{ExternalUserID: "u2", Username: "carol", Role: "user", Sections: []string{"lib-b"}},
	}, accounts)
}

func TestJellyfin_InventoryServerError(t *testing.T) {
	p := jellyfinServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	_, err := p.(providers.Inventory).Accounts(context.Background())
	assert.Error(t, err)
}

const plexSectionsXML = `<?xml version="1.0" encoding="UTF-8"?>
<MediaContainer size="2">
  <Directory key="1" title="Movies" type="movie"/>
  <Directory key="2" title="Shows" type="show"/>
</MediaContainer>`

const plexSharesXML = `<?xml version="1.0" encoding="UTF-8"?>
<MediaContainer>
  <SharedServer id="9001" userID="42" username="alice" email="alice@example.com">
    <Section id="555" key="1" title="Movies" shared="1"/>
    <Section id="556" key="2" title="Shows" shared="0"/>
  </SharedServer>
  <SharedServer id="9002" userID="43" username="bob"/>
</MediaContainer>`

func TestPlex_Inventory(t *testing.T) {
	p := plexTV(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Host == "plex.local:32400" && r.URL.Path == "/library/sections":
			_, _ = w.Write([]byte(plexSectionsXML))
		case r.Host == "plex.tv" && r.URL.Path == "/api/servers/machine-1/shared_servers":
			_, _ = w.Write([]byte(plexSharesXML))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	inv := p.(providers.Inventory)

	libs, err := inv.Libraries(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []providers.Library{
		{SectionID: "1", Name: "Movies", Type: "movie"},
		{SectionID: "2", Name: "Shows", Type: "show"},
	}, libs)

	accounts, err := inv.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []providers.AccountShares{
		{ExternalUserID: "42", Username: "alice", Email: "alice@example.com", Role: "friend", Sections: []string{"1"}},
		{ExternalUserID: "43", Username: "bob", Role: "friend"},
	}, accounts)
}
