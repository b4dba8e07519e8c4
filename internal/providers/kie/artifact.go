package kie

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// videoKeys are checked at every object level, in this order, before descending.
var videoKeys = []string{
	"video", "video_url", "videoUrl", "output_url", "outputUrl",
	"url", "download_url", "downloadUrl", "file_url", "fileUrl",
	"result_url", "resultUrl", "play_url", "playUrl",
}

var videoURLPattern = regexp.MustCompile(`(?i)https?://[^\s"']+\.(mp4|mov|webm|m3u8)(\?[^\s"']+)?`)

// FindVideoURL searches a decoded provider payload for the generated video.
// Well-known keys win; otherwise any string holding a video-looking URL does.
// Strings that contain embedded JSON (resultJson) are decoded and searched.
func FindVideoURL(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]any:
		for _, k := range videoKeys {
			if s, ok := t[k].(string); ok && strings.HasPrefix(s, "http") {
				return s
			}
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if got := FindVideoURL(t[k]); got != "" {
				return got
			}
		}
	case []any:
		for _, item := range t {
			if got := FindVideoURL(item); got != "" {
				return got
			}
		}
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
			var nested any
			if err := json.Unmarshal([]byte(s), &nested); err == nil {
				if got := FindVideoURL(nested); got != "" {
					return got
				}
			}
		}
		return videoURLPattern.FindString(s)
	}
	return ""
}
