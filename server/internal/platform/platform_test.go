package platform

import "testing"

func TestDetect(t *testing.T) {
	tests := []struct {
		url      string
		expected string
	}{
		{"https://www.youtube.com/watch?v=abc", "youtube"},
		{"https://youtu.be/abc", "youtube"},
		{"https://vt.tiktok.com/ZS123/", "tiktok"},
		{"https://www.instagram.com/reel/C0d3/", "instagram"},
		{"https://fb.watch/xyz/", "facebook"},
		{"https://www.bilibili.tv/en/video/1234", "bilibili_tv"},
		{"https://www.bilibili.com/video/BV1xx", "bilibili"},
		{"https://www.snackvideo.com/@user/video/5", "snackvideo"},
		{"https://x.com/user/status/1", "twitter"},
		{"https://example.com/video.mp4", ""},
	}

	for _, test := range tests {
		if got := Detect(test.url); got != test.expected {
			t.Errorf("Detect(%q) = %q, expected %q", test.url, got, test.expected)
		}
	}
}

func TestBilibiliTvCheckedBeforeBilibili(t *testing.T) {
	if got := Detect("https://www.bilibili.tv/en/video/1"); got != "bilibili_tv" {
		t.Errorf("Detect = %q, expected bilibili_tv", got)
	}
}

func TestRefreshCapability(t *testing.T) {
	if !Lookup("bilibili_tv").RefreshBeforeFetch {
		t.Error("bilibili_tv should require refresh before fetch")
	}
	if Lookup("youtube").RefreshBeforeFetch {
		t.Error("youtube should not require refresh before fetch")
	}
	if Lookup("unknown").Name != "unknown" {
		t.Error("unknown platforms should get a generic entry")
	}
}

func TestFetchHeadersIncludeUserAgent(t *testing.T) {
	h := Lookup("bilibili_tv").FetchHeaders()

	if h["User-Agent"] == "" {
		t.Error("expected a default user agent")
	}
	if h["Referer"] != "https://www.bilibili.tv/" {
		t.Errorf("Referer = %q, expected bilibili.tv referer", h["Referer"])
	}
}
