package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"vodum/internal/tasks"
)

const devVersion = "dev"

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:\s*b(\d+))?$`)

// Version is a release tag of the form YY.MM.DD bN, compared field by field.
type Version [4]int

// ParseVersion reads "YY.MM.DD bN". The build number is optional and defaults to zero.
func ParseVersion(s string) (Version, bool) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, false
	}
	var v Version
	for i, part := range m[1:] {
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return Version{}, false
		}
		v[i] = n
	}
	return v, true
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	for i := range v {
		if v[i] != o[i] {
			return v[i] < o[i]
		}
	}
	return false
}

// UpdateAvailable compares two version strings. Unreadable versions, such as dev builds, never
// report an update.
func UpdateAvailable(local, latest string) bool {
	lv, ok := ParseVersion(local)
	if !ok {
		return false
	}
	rv, ok := ParseVersion(latest)
	if !ok {
		return false
	}
	return lv.Less(rv)
}

// versionFromInfo returns the VERSION= value of an INFO file.
func versionFromInfo(r io.Reader) string {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "VERSION="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

type UpdateStatus struct {
	CheckedAt       time.Time `json:"checked_at"`
	LocalVersion    string    `json:"local_version"`
	LatestVersion   *string   `json:"latest_version"`
	UpdateAvailable bool      `json:"update_available"`
	Error           *string   `json:"error"`
	Source          *string   `json:"source"`
}

func (d Deps) localVersion() string {
	f, err := d.FS.Open(d.Update.LocalInfoPath)
	if err != nil {
		return devVersion
	}
	defer func() { _ = f.Close() }()
	if v := versionFromInfo(f); v != "" {
		return v
	}
	return devVersion
}

func (d Deps) remoteVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.Update.InfoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("GET %s: status %d", d.Update.InfoURL, resp.StatusCode)
	}
	v := versionFromInfo(io.LimitReader(resp.Body, 1<<20))
	if v == "" {
		return "", errors.New("no VERSION line in remote INFO")
	}
	return v, nil
}

func (d Deps) checkUpdate(ctx context.Context, tc *tasks.TaskContext) error {
	status := UpdateStatus{
		CheckedAt:    tc.Clock.Now().UTC(),
		LocalVersion: d.localVersion(),
	}

	if strings.TrimSpace(d.Update.InfoURL) == "" {
		msg := "update.info_url is not configured"
		status.Error = &msg
		tc.Log.Warn("%s", msg)
	} else {
		source := "remote"
		status.Source = &source
		latest, err := d.remoteVersion(ctx)
		if err != nil {
			msg := err.Error()
			status.Error = &msg
			tc.Log.Warn("update check failed: %v", err)
		} else {
			status.LatestVersion = &latest
			status.UpdateAvailable = UpdateAvailable(status.LocalVersion, latest)
		}
	}

	if err := writeJSONAtomic(d.FS, d.Update.StatusPath, status); err != nil {
		return fmt.Errorf("writing %s: %w", d.Update.StatusPath, err)
	}
	if status.UpdateAvailable {
		tc.Log.Success("update available: %s -> %s", status.LocalVersion, *status.LatestVersion)
	} else {
		tc.Log.Success("no update (local %s)", status.LocalVersion)
	}
	return nil
}

// writeJSONAtomic replaces path with the JSON of v through a temporary file in the same
// directory.
func writeJSONAtomic(fs afero.Fs, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = fs.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = fs.Remove(name)
		return err
	}
	if err := fs.Rename(name, path); err != nil {
		_ = fs.Remove(name)
		return err
	}
	return fs.Chmod(path, 0o644)
}

