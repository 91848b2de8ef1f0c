package extract

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/quillhaven/research-agent/pkg/logger"
)

// videoIDPatterns covers the URL shapes YouTube serves videos under.
var videoIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:youtube\.com/watch\?(?:.*&)?v=)([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:youtu\.be/)([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:youtube\.com/embed/)([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:youtube\.com/v/)([a-zA-Z0-9_-]{11})`),
	regexp.MustCompile(`(?:youtube\.com/shorts/)([a-zA-Z0-9_-]{11})`),
}

// ParseVideoID extracts the 11-character video ID from a YouTube URL.
func ParseVideoID(rawURL string) (string, error) {
	for _, pattern := range videoIDPatterns {
		if m := pattern.FindStringSubmatch(rawURL); m != nil {
			return m[1], nil
		}
	}
	return "", fmt.Errorf("%w: %q is not a YouTube video URL", ErrInvalidURL, rawURL)
}

// YouTubeConfig controls transcript fetching.
type YouTubeConfig struct {
	UserAgent    string
	FetchTimeout time.Duration
	// WatchBaseURL overrides the watch page origin, for tests.
	WatchBaseURL string
}

// YouTubeExtractor fetches a video's caption track and returns the
// transcript as plain text.
type YouTubeExtractor struct {
	config YouTubeConfig
	client *http.Client
	logger *logger.Logger
}

func NewYouTubeExtractor(cfg YouTubeConfig, log *logger.Logger) *YouTubeExtractor {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.WatchBaseURL == "" {
		cfg.WatchBaseURL = "https://www.youtube.com"
	}
	return &YouTubeExtractor{
		config: cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: log.WithComponent("extract.youtube"),
	}
}

func (e *YouTubeExtractor) Extract(ctx context.Context, in Input) (*Result, error) {
	videoID, err := ParseVideoID(in.URL)
	if err != nil {
		return nil, err
	}

	page, err := e.fetch(ctx, fmt.Sprintf("%s/watch?v=%s", e.config.WatchBaseURL, videoID))
	if err != nil {
		return nil, err
	}

	title := watchPageTitle(page)
	trackURL, lang, err := captionTrackURL(page)
	if err != nil {
		return nil, fmt.Errorf("%w: video %s", ErrNoTranscript, videoID)
	}

	transcriptXML, err := e.fetch(ctx, trackURL)
	if err != nil {
		return nil, fmt.Errorf("fetching caption track: %w", err)
	}

	text, err := parseTimedText(transcriptXML)
	if err != nil {
		return nil, fmt.Errorf("parsing caption track: %w", err)
	}
	if text == "" {
		return nil, fmt.Errorf("%w: video %s has an empty transcript", ErrNoTranscript, videoID)
	}

	e.logger.Info("extracted transcript", "video_id", videoID, "lang", lang, "chars", len(text))
	return &Result{
		Text:  text,
		Title: title,
		Metadata: map[string]any{
			"video_id":        videoID,
			"transcript_lang": lang,
		},
	}, nil
}

func (e *YouTubeExtractor) fetch(ctx context.Context, fetchURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", e.config.UserAgent)
	req.Header.Set("Accept-Language", "en")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrFetch, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrFetch, err)
	}
	return string(body), nil
}

var (
	captionTracksPattern = regexp.MustCompile(`"captionTracks":(\[.*?\])`)
	watchTitlePattern    = regexp.MustCompile(`<title>(.*?)</title>`)
)

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

// captionTrackURL finds the caption track list embedded in the watch page
// player config and picks the best track, preferring manual English
// captions over auto-generated ones.
func captionTrackURL(page string) (string, string, error) {
	m := captionTracksPattern.FindStringSubmatch(page)
	if m == nil {
		return "", "", fmt.Errorf("no caption tracks in player config")
	}

	var tracks []captionTrack
	if err := json.Unmarshal([]byte(m[1]), &tracks); err != nil {
		return "", "", fmt.Errorf("decoding caption tracks: %w", err)
	}
	if len(tracks) == 0 {
		return "", "", fmt.Errorf("empty caption track list")
	}

	best := tracks[0]
	for _, t := range tracks {
		english := strings.HasPrefix(t.LanguageCode, "en")
		manual := t.Kind != "asr"
		if english && manual {
			best = t
			break
		}
		if english && !strings.HasPrefix(best.LanguageCode, "en") {
			best = t
		}
	}
	return html.UnescapeString(best.BaseURL), best.LanguageCode, nil
}

func watchPageTitle(page string) string {
	m := watchTitlePattern.FindStringSubmatch(page)
	if m == nil {
		return ""
	}
	title := html.UnescapeString(strings.TrimSpace(m[1]))
	return strings.TrimSpace(strings.TrimSuffix(title, "- YouTube"))
}

type timedText struct {
	Texts []struct {
		Value string `xml:",chardata"`
	} `xml:"text"`
}

// parseTimedText joins the caption segments of a timedtext document.
func parseTimedText(data string) (string, error) {
	var doc timedText
	if err := xml.Unmarshal([]byte(data), &doc); err != nil {
		return "", err
	}
	segments := make([]string, 0, len(doc.Texts))
	for _, t := range doc.Texts {
		s := html.UnescapeString(strings.TrimSpace(t.Value))
		s = strings.ReplaceAll(s, "\n", " ")
		if s != "" {
			segments = append(segments, s)
		}
	}
	return strings.Join(segments, " "), nil
}
