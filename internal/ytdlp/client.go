// Package ytdlp wraps the yt-dlp executable: channel listings via flat
// playlists and subtitle downloads for transcripts.
package ytdlp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"yt-digest/internal/model"
)

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"

	DefaultBinary = "yt-dlp"

	// seconds between requests inside one yt-dlp run
	sleepRequests  = "1"
	sleepSubtitles = "3"
)

// ErrNoSubtitles means yt-dlp succeeded but produced no subtitle file.
var ErrNoSubtitles = errors.New("no subtitles available")

type Client struct {
	Binary             string
	CookiesPath        string
	CookiesFromBrowser string
	ProxyURL           string
	LogWriter          io.Writer
}

func (c Client) binary() string {
	if b := strings.TrimSpace(c.Binary); b != "" {
		return b
	}
	return DefaultBinary
}

type DependencyReport struct {
	YTDLPFound bool   `json:"yt_dlp_found"`
	YTDLPPath  string `json:"yt_dlp_path,omitempty"`
}

func (c Client) DependencyStatus() DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(c.binary()); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	return report
}

func (c Client) CheckDependencies() error {
	if !c.DependencyStatus().YTDLPFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", c.binary())
	}
	return nil
}

type flatPlaylist struct {
	ID         string      `json:"id"`
	ChannelID  string      `json:"channel_id"`
	Channel    string      `json:"channel"`
	UploaderID string      `json:"uploader_id"`
	Entries    []flatEntry `json:"entries"`
}

type flatEntry struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	URL       string      `json:"url"`
	ChannelID string      `json:"channel_id"`
	Type      string      `json:"_type"`
	Entries   []flatEntry `json:"entries"`
}

// ListChannel returns the videos of a channel or playlist URL in listing
// order. Nested tabs (videos, shorts, streams) are flattened.
func (c Client) ListChannel(ctx context.Context, sourceURL string) ([]model.Video, error) {
	raw, err := c.FlatPlaylistJSON(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	return ParseFlatPlaylist(raw)
}

func (c Client) FlatPlaylistJSON(ctx context.Context, sourceURL string) ([]byte, error) {
	if strings.TrimSpace(sourceURL) == "" {
		return nil, fmt.Errorf("source URL is required")
	}
	args := []string{"--flat-playlist", "-J", "--no-warnings"}
	args, err := c.appendCommonArgs(args)
	if err != nil {
		return nil, err
	}
	args = append(args, sourceURL)

	cmd := exec.CommandContext(ctx, c.binary(), args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if c.LogWriter != nil {
		cmd.Stderr = io.MultiWriter(&stderr, c.LogWriter)
	}
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("yt-dlp returned empty output")
	}
	return stdout.Bytes(), nil
}

func ParseFlatPlaylist(raw []byte) ([]model.Video, error) {
	var pl flatPlaylist
	if err := json.Unmarshal(raw, &pl); err != nil {
		return nil, fmt.Errorf("decode flat playlist: %w", err)
	}
	channelID := firstNonEmpty(pl.ChannelID, pl.UploaderID, pl.ID)
	seen := map[string]bool{}
	var out []model.Video
	var walk func(entries []flatEntry)
	walk = func(entries []flatEntry) {
		for _, e := range entries {
			if len(e.Entries) > 0 {
				walk(e.Entries)
				continue
			}
			id := strings.TrimSpace(e.ID)
			if id == "" || seen[id] || e.Type == "playlist" {
				continue
			}
			seen[id] = true
			url := strings.TrimSpace(e.URL)
			if !strings.HasPrefix(url, "http") {
				url = "https://www.youtube.com/watch?v=" + id
			}
			out = append(out, model.Video{
				ID:        id,
				ChannelID: firstNonEmpty(e.ChannelID, channelID),
				Title:     strings.TrimSpace(e.Title),
				URL:       url,
			})
		}
	}
	walk(pl.Entries)
	return out, nil
}

// FetchSubtitles downloads subtitles for one video into dir and returns the
// path of the best match.
func (c Client) FetchSubtitles(ctx context.Context, videoID, subLangs, dir string) (string, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return "", fmt.Errorf("video id is required")
	}
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("output directory is required")
	}
	args := []string{
		"--no-playlist",
		"--skip-download",
		"--newline",
		"--no-warnings",
		"-P", dir,
		"-o", "%(id)s.%(ext)s",
		"--write-subs",
		"--write-auto-subs",
		"--sub-langs", normalizeSubLangs(subLangs),
		"--sub-format", "vtt/best",
	}
	args, err := c.appendCommonArgs(args)
	if err != nil {
		return "", err
	}
	args = append(args, "https://www.youtube.com/watch?v="+videoID)

	if err := c.runCommand(ctx, args); err != nil {
		return "", err
	}
	return findSubtitleFile(dir, videoID)
}

// Transcript fetches subtitles into a temporary directory and returns them
// as plain text.
func (c Client) Transcript(ctx context.Context, videoID, subLangs string) (string, error) {
	dir, err := os.MkdirTemp("", "ytd-subs-*")
	if err != nil {
		return "", fmt.Errorf("create subtitle dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path, err := c.FetchSubtitles(ctx, videoID, subLangs, dir)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read subtitles: %w", err)
	}
	text := SubtitlesToText(string(raw))
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s has an empty subtitle track", ErrNoSubtitles, videoID)
	}
	return text, nil
}

func findSubtitleFile(dir, videoID string) (string, error) {
	var candidates []string
	for _, ext := range []string{"vtt", "srt"} {
		matches, err := filepath.Glob(filepath.Join(dir, videoID+"*."+ext))
		if err != nil {
			return "", err
		}
		candidates = append(candidates, matches...)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoSubtitles, videoID)
	}
	// manual tracks (<id>.en.vtt) sort before regional variants
	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], nil
}

func (c Client) appendCommonArgs(args []string) ([]string, error) {
	args = append(args,
		"--sleep-requests", sleepRequests,
		"--sleep-subtitles", sleepSubtitles,
	)
	if strings.TrimSpace(c.CookiesPath) != "" {
		cookiesPath, err := resolveCookiesPath(c.CookiesPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--cookies", cookiesPath)
	}
	if strings.TrimSpace(c.CookiesFromBrowser) != "" {
		args = append(args, "--cookies-from-browser", c.CookiesFromBrowser)
	}
	if strings.TrimSpace(c.ProxyURL) != "" {
		args = append(args, "--proxy", strings.TrimSpace(c.ProxyURL))
	}
	return args, nil
}

func normalizeSubLangs(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "", "english", "en":
		return "en.*,en,-live_chat"
	case "all":
		return "all,-live_chat"
	default:
		return strings.TrimSpace(raw)
	}
}

func (c Client) runCommand(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, c.binary(), args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}

	var outBuf strings.Builder
	var errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(stream OutputStream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			appendLimited(&outBuf, &errBuf, stream, line)
			if c.LogWriter != nil {
				_, _ = io.WriteString(c.LogWriter, line+"\n")
			}
			mu.Unlock()
		}
	}

	wg.Add(2)
	go read(StreamStdout, stdoutPipe)
	go read(StreamStderr, stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		return fmt.Errorf("yt-dlp failed: %w\n%s\n%s", err, strings.TrimSpace(errBuf.String()), strings.TrimSpace(outBuf.String()))
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(outBuf, errBuf *strings.Builder, stream OutputStream, line string) {
	const maxKeep = 8192
	b := outBuf
	if stream == StreamStderr {
		b = errBuf
	}
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func resolveCookiesPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve cookies path %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("cookies file %s: %w", abs, err)
	}
	return abs, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
